package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/pulsewatch/engine/pkg/types"
)

// Selector fallback lists, tried in order after any caller-supplied
// selector. Kept small and conventional; exotic login forms should set
// explicit selectors.
var (
	usernameSelectors = []string{
		`input[type="email"]`,
		`input[name="username"]`,
		`input[name="email"]`,
		`input[name="login"]`,
		`input[id*="user" i]`,
		`input[id*="email" i]`,
		`input[type="text"]`,
	}
	passwordSelectors = []string{
		`input[type="password"]`,
		`input[name="password"]`,
	}
	submitSelectors = []string{
		`button[type="submit"]`,
		`input[type="submit"]`,
		`button[id*="login" i]`,
		`button[class*="login" i]`,
		`button[id*="signin" i]`,
		`button[class*="signin" i]`,
	}
	modalTriggerSelectors = []string{
		`a[href*="login"]`,
		`button[class*="login" i]`,
		`a[class*="login" i]`,
		`button[class*="signin" i]`,
		`#login`,
		`.login-button`,
	}
	loggedInSelectors = []string{
		`a[href*="logout"]`,
		`button[class*="logout" i]`,
		`[class*="user-menu" i]`,
		`[class*="account-menu" i]`,
		`[class*="avatar" i]`,
		`[data-testid="user-menu"]`,
	}
	loginErrorSelectors = []string{
		`.error`,
		`.alert-danger`,
		`[class*="error-message" i]`,
		`[class*="login-error" i]`,
		`[role="alert"]`,
	}
)

// login runs the browser login subroutine against the entry's auth
// config. A nil return means the session is considered authenticated.
func (p *Prober) login(tabCtx context.Context, col *collector, entry *types.MonitoredURL) error {
	auth := entry.AuthConfig

	loginURL := auth.LoginURL
	if loginURL == "" {
		loginURL = entry.URL
	}

	err := chromedp.Run(tabCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			col.attach(ctx)
			return nil
		}),
		enableLifecycle(),
		chromedp.Navigate(loginURL),
	)
	if err != nil {
		return fmt.Errorf("login navigation failed: %w", err)
	}

	// Quiet period so client-side login forms finish rendering.
	if err := waitLifecycle(tabCtx, "networkIdle", "", "", p.cfg.LoginIdleWait); err != nil &&
		!errors.Is(err, ErrWaitTimeout) {
		return fmt.Errorf("login page wait failed: %w", err)
	}

	if auth.LoginType == types.LoginModal {
		p.openLoginModal(tabCtx, auth)
	}

	// Session reuse: an earlier probe in the same browser may still be
	// logged in. Only a positive signal counts here; an untouched login
	// form must fall through to credential entry.
	if err := p.verifyLogin(tabCtx, auth, loginURL, true); err == nil {
		p.logger.Debug("Existing session reused", zap.String("login_url", loginURL))
		return nil
	}

	usernameSel := firstVisible(tabCtx, prepend(auth.UsernameSelector, usernameSelectors))
	passwordSel := firstVisible(tabCtx, prepend(auth.PasswordSelector, passwordSelectors))
	if usernameSel == "" || passwordSel == "" {
		return ErrLoginInputNotFound
	}

	err = chromedp.Run(tabCtx,
		chromedp.SendKeys(usernameSel, auth.Username, chromedp.ByQuery),
		chromedp.SendKeys(passwordSel, auth.Password, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("credential entry failed: %w", err)
	}

	submitSel := firstVisible(tabCtx, prepend(auth.SubmitSelector, submitSelectors))
	if submitSel != "" {
		err = chromedp.Run(tabCtx, chromedp.Click(submitSel, chromedp.ByQuery))
	} else {
		// No submit button found; Enter in the password field usually
		// submits the form.
		err = chromedp.Run(tabCtx, chromedp.SendKeys(passwordSel, kb.Enter, chromedp.ByQuery))
	}
	if err != nil {
		return fmt.Errorf("login submit failed: %w", err)
	}

	select {
	case <-time.After(p.cfg.PostSubmitWait):
	case <-tabCtx.Done():
		return tabCtx.Err()
	}

	return p.verifyLogin(tabCtx, auth, loginURL, false)
}

// openLoginModal clicks the first available login trigger and waits out
// the modal animation. Failure to find a trigger is not fatal; the form
// may already be visible.
func (p *Prober) openLoginModal(tabCtx context.Context, auth *types.AuthConfig) {
	trigger := firstVisible(tabCtx, prepend(auth.ModalTriggerSelector, modalTriggerSelectors))
	if trigger == "" {
		p.logger.Debug("No login modal trigger found")
		return
	}
	if err := chromedp.Run(tabCtx, chromedp.Click(trigger, chromedp.ByQuery)); err != nil {
		p.logger.Debug("Login modal trigger click failed",
			zap.String("selector", trigger),
			zap.Error(err))
		return
	}
	select {
	case <-time.After(500 * time.Millisecond):
	case <-tabCtx.Done():
	}
}

// loginSignals is everything verifyLogin reads off the page, gathered
// up front so the verdict itself stays a pure function.
type loginSignals struct {
	successSelectorConfigured bool
	successSelectorPresent    bool
	errorMessages             []string
	loggedInIndicator         bool
	passwordFieldPresent      bool
	onLoginPage               bool
}

// loginVerdict applies the ordered success checks. Strict mode accepts
// only positive signals (explicit success selector or a logged-in
// indicator); it gates session reuse, where "the password input is
// gone" or "not on a login page" hold trivially before credentials
// were ever entered. Lenient mode runs after submit and falls through
// those weaker checks, ending in an assumed success so a healthy
// target is not flagged down on silence alone.
func loginVerdict(sig loginSignals, strict bool) (assumed bool, err error) {
	// 1. An explicit success selector is authoritative.
	if sig.successSelectorConfigured {
		if sig.successSelectorPresent {
			return false, nil
		}
		return false, fmt.Errorf("%w: success selector not found", ErrLoginFailed)
	}

	// 2. Still on a login page with visible error messages.
	if sig.onLoginPage && len(sig.errorMessages) > 0 {
		return false, fmt.Errorf("%w: %s", ErrLoginFailed, strings.Join(sig.errorMessages, "; "))
	}

	// 3. A logged-in indicator anywhere on the page.
	if sig.loggedInIndicator {
		return false, nil
	}

	if strict {
		return false, fmt.Errorf("%w: no logged-in signal", ErrLoginFailed)
	}

	// 4. The password input is gone.
	if !sig.passwordFieldPresent {
		return false, nil
	}

	// 5. Navigated away from the login page.
	if !sig.onLoginPage {
		return false, nil
	}

	// 6. No signal either way.
	return true, nil
}

// verifyLogin gathers the page signals and applies loginVerdict.
// Timeouts bubble up as errors so the probe can fail with an auth
// error.
func (p *Prober) verifyLogin(tabCtx context.Context, auth *types.AuthConfig, loginURL string, strict bool) error {
	verifyCtx, cancel := context.WithTimeout(tabCtx, 10*time.Second)
	defer cancel()

	sig := loginSignals{successSelectorConfigured: auth.LoginSuccessSelector != ""}
	var currentURL string
	if sig.successSelectorConfigured {
		sig.successSelectorPresent = elementPresent(verifyCtx, auth.LoginSuccessSelector)
	} else {
		if err := chromedp.Run(verifyCtx, chromedp.Location(&currentURL)); err != nil {
			return fmt.Errorf("%w: %v", ErrLoginFailed, err)
		}
		sig.onLoginPage = containsLoginToken(currentURL)
		if sig.onLoginPage {
			sig.errorMessages = visibleErrorTexts(verifyCtx)
		}
		sig.loggedInIndicator = firstVisible(verifyCtx, loggedInSelectors) != ""
		sig.passwordFieldPresent = elementPresent(verifyCtx, `input[type="password"]`)
	}

	assumed, err := loginVerdict(sig, strict)
	if assumed {
		p.logger.Warn("Login verification inconclusive, assuming success",
			zap.String("login_url", loginURL),
			zap.String("current_url", currentURL))
	}
	return err
}

func containsLoginToken(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "login") || strings.Contains(lower, "signin")
}

// prepend places a caller-supplied selector ahead of the fallbacks.
func prepend(custom string, fallbacks []string) []string {
	if custom == "" {
		return fallbacks
	}
	return append([]string{custom}, fallbacks...)
}

// firstVisible returns the first selector that resolves to a visible
// element, or "".
func firstVisible(ctx context.Context, selectors []string) string {
	encoded, err := json.Marshal(selectors)
	if err != nil {
		return ""
	}
	script := fmt.Sprintf(`
	(() => {
		for (const sel of %s) {
			try {
				const el = document.querySelector(sel);
				if (el) {
					const rect = el.getBoundingClientRect();
					if (rect.width > 0 && rect.height > 0) {
						return sel;
					}
				}
			} catch (e) {}
		}
		return "";
	})()`, encoded)

	var result string
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &result)); err != nil {
		return ""
	}
	return result
}

func elementPresent(ctx context.Context, selector string) bool {
	encoded, err := json.Marshal(selector)
	if err != nil {
		return false
	}
	var present bool
	script := fmt.Sprintf(`(() => { try { return !!document.querySelector(%s); } catch (e) { return false; } })()`, encoded)
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &present)); err != nil {
		return false
	}
	return present
}

// visibleErrorTexts collects non-empty texts from standard error
// message selectors.
func visibleErrorTexts(ctx context.Context) []string {
	encoded, err := json.Marshal(loginErrorSelectors)
	if err != nil {
		return nil
	}
	script := fmt.Sprintf(`
	(() => {
		const out = [];
		for (const sel of %s) {
			try {
				for (const el of document.querySelectorAll(sel)) {
					const text = (el.innerText || "").trim();
					if (text) {
						out.push(text);
					}
				}
			} catch (e) {}
		}
		return out;
	})()`, encoded)

	var texts []string
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &texts)); err != nil {
		return nil
	}
	return texts
}
