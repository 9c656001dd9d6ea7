package registry

import "github.com/pulsewatch/engine/pkg/types"

// AuthPatch is a partial auth update honoring the secrets policy: a
// nil secret field preserves the stored value, a pointer to "" clears
// it.
type AuthPatch struct {
	Type types.AuthType

	Username *string
	Password *string
	Token    *string

	HeaderName  *string
	HeaderValue *string

	LoginURL             *string
	LoginType            *types.LoginType
	UsernameSelector     *string
	PasswordSelector     *string
	SubmitSelector       *string
	ModalTriggerSelector *string
	LoginSuccessSelector *string
}

// merge applies the patch over the existing config and returns the
// candidate for validation.
func (p *AuthPatch) merge(existing *types.AuthConfig) *types.AuthConfig {
	out := &types.AuthConfig{}
	if existing != nil {
		*out = *existing
	}
	if p.Type != "" {
		out.Type = p.Type
	}

	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&out.Username, p.Username)
	apply(&out.Password, p.Password)
	apply(&out.Token, p.Token)
	apply(&out.HeaderName, p.HeaderName)
	apply(&out.HeaderValue, p.HeaderValue)
	apply(&out.LoginURL, p.LoginURL)
	apply(&out.UsernameSelector, p.UsernameSelector)
	apply(&out.PasswordSelector, p.PasswordSelector)
	apply(&out.SubmitSelector, p.SubmitSelector)
	apply(&out.ModalTriggerSelector, p.ModalTriggerSelector)
	apply(&out.LoginSuccessSelector, p.LoginSuccessSelector)
	if p.LoginType != nil {
		out.LoginType = *p.LoginType
	}
	return out
}
