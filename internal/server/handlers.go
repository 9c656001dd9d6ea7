package server

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pulsewatch/engine/internal/common/httputil"
	"github.com/pulsewatch/engine/internal/registry"
	"github.com/pulsewatch/engine/internal/store"
	"github.com/pulsewatch/engine/pkg/types"
)

const defaultHistoryLimit = 100

// authCredentials is the wire form of auth settings. Pointer fields
// distinguish "omitted" from "explicitly empty" on updates.
type authCredentials struct {
	Type string `json:"type"`

	Username    *string `json:"username"`
	Password    *string `json:"password"`
	Token       *string `json:"token"`
	HeaderName  *string `json:"headerName"`
	HeaderValue *string `json:"headerValue"`

	LoginURL             *string `json:"loginUrl"`
	LoginType            *string `json:"loginType"`
	UsernameSelector     *string `json:"usernameSelector"`
	PasswordSelector     *string `json:"passwordSelector"`
	SubmitSelector       *string `json:"submitSelector"`
	ModalTriggerSelector *string `json:"modalTriggerSelector"`
	LoginSuccessSelector *string `json:"loginSuccessSelector"`
}

type createRequest struct {
	URL             string           `json:"url"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	Group           string           `json:"group"`
	Enabled         *bool            `json:"enabled"`
	CheckInterval   *int64           `json:"checkInterval"`
	Dependencies    []string         `json:"dependencies"`
	RequiresAuth    bool             `json:"requiresAuth"`
	AuthCredentials *authCredentials `json:"authCredentials"`
}

type updateRequest struct {
	URL             *string          `json:"url"`
	Name            *string          `json:"name"`
	Description     *string          `json:"description"`
	Group           *string          `json:"group"`
	Enabled         *bool            `json:"enabled"`
	CheckInterval   *int64           `json:"checkInterval"`
	Dependencies    *[]string        `json:"dependencies"`
	RequiresAuth    *bool            `json:"requiresAuth"`
	AuthCredentials *authCredentials `json:"authCredentials"`
}

func (s *Server) handleAddURL(ctx *fasthttp.RequestCtx) {
	var req createRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		httputil.JSONError(ctx, "invalid request body", fasthttp.StatusBadRequest)
		return
	}

	var auth *types.AuthConfig
	if req.RequiresAuth {
		if req.AuthCredentials == nil {
			httputil.JSONError(ctx, "authCredentials required when requiresAuth is set", fasthttp.StatusBadRequest)
			return
		}
		auth = req.AuthCredentials.toConfig()
	}

	var group types.Group
	if req.Group != "" {
		group = types.Group(req.Group)
	}

	entry, err := s.registry.AddURL(ctx, registry.AddInput{
		URL:           req.URL,
		Name:          req.Name,
		Description:   req.Description,
		Group:         group,
		Enabled:       req.Enabled,
		CheckInterval: req.CheckInterval,
		Dependencies:  req.Dependencies,
		AuthConfig:    auth,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	httputil.JSONData(ctx, entry, fasthttp.StatusCreated)
}

func (s *Server) handleUpdateURL(ctx *fasthttp.RequestCtx, id string) {
	var req updateRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		httputil.JSONError(ctx, "invalid request body", fasthttp.StatusBadRequest)
		return
	}

	input := registry.UpdateInput{
		URL:           req.URL,
		Name:          req.Name,
		Description:   req.Description,
		Enabled:       req.Enabled,
		CheckInterval: req.CheckInterval,
		Dependencies:  req.Dependencies,
	}
	if req.Group != nil {
		group := types.Group(*req.Group)
		input.Group = &group
	}
	if req.RequiresAuth != nil && !*req.RequiresAuth {
		input.ClearAuth = true
	} else if req.AuthCredentials != nil {
		input.Auth = req.AuthCredentials.toPatch()
	}

	entry, err := s.registry.UpdateURL(ctx, id, input)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	httputil.JSONData(ctx, entry, fasthttp.StatusOK)
}

func (s *Server) handleRemoveURL(ctx *fasthttp.RequestCtx, id string) {
	if err := s.registry.RemoveURL(ctx, id); err != nil {
		s.writeError(ctx, err)
		return
	}
	httputil.JSONData(ctx, map[string]string{"id": id}, fasthttp.StatusOK)
}

func (s *Server) handleGetURL(ctx *fasthttp.RequestCtx, id string) {
	entry, err := s.registry.GetURL(ctx, id)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	httputil.JSONData(ctx, entry, fasthttp.StatusOK)
}

func (s *Server) handleListURLs(ctx *fasthttp.RequestCtx) {
	entries, err := s.registry.ListURLs(ctx, store.Filter{})
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	if s.sched != nil {
		s.sched.MaybeRedispatchStale(entries)
	}
	httputil.JSONList(ctx, entries, len(entries), fasthttp.StatusOK)
}

func (s *Server) handleCheckNow(ctx *fasthttp.RequestCtx, id string) {
	result, err := s.registry.CheckNow(ctx, id)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	httputil.JSONData(ctx, result, fasthttp.StatusOK)
}

func (s *Server) handleCheckAll(ctx *fasthttp.RequestCtx) {
	results, err := s.registry.CheckAll(ctx)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	httputil.JSONList(ctx, results, len(results), fasthttp.StatusOK)
}

func (s *Server) handleHistory(ctx *fasthttp.RequestCtx, id string) {
	limit := defaultHistoryLimit
	if raw := ctx.QueryArgs().Peek("limit"); len(raw) > 0 {
		parsed, err := strconv.Atoi(string(raw))
		if err != nil || parsed <= 0 {
			httputil.JSONError(ctx, "limit must be a positive integer", fasthttp.StatusBadRequest)
			return
		}
		limit = parsed
	}

	if _, err := s.registry.GetURL(ctx, id); err != nil {
		s.writeError(ctx, err)
		return
	}
	records, err := s.store.ProbeHistory(ctx, id, limit)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	httputil.JSONList(ctx, records, len(records), fasthttp.StatusOK)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"` // seconds
	Database  string    `json:"database"`
	MemoryRSS uint64    `json:"memoryRss,omitempty"`
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).Seconds(),
		Database:  "connected",
	}
	if err := s.store.Ping(ctx); err != nil {
		resp.Database = "disconnected"
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			resp.MemoryRSS = mem.RSS
		}
	}
	httputil.JSONData(ctx, resp, fasthttp.StatusOK)
}

// writeError maps service errors to API status codes.
func (s *Server) writeError(ctx *fasthttp.RequestCtx, err error) {
	var svcErr *registry.Error
	if errors.As(err, &svcErr) {
		httputil.JSONError(ctx, svcErr.Message, statusForCode(svcErr.Code))
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		httputil.JSONError(ctx, "not found", fasthttp.StatusNotFound)
		return
	}
	s.logger.Error("Request failed",
		zap.String("path", string(ctx.Path())),
		zap.Error(err))
	httputil.JSONError(ctx, "internal error", fasthttp.StatusInternalServerError)
}

func statusForCode(code string) int {
	switch code {
	case registry.CodeValidation:
		return fasthttp.StatusBadRequest
	case registry.CodeNotFound:
		return fasthttp.StatusNotFound
	case registry.CodeConflict:
		return fasthttp.StatusConflict
	case registry.CodeDatabase:
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

// toConfig materializes creation credentials; omitted fields are empty.
func (a *authCredentials) toConfig() *types.AuthConfig {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	cfg := &types.AuthConfig{
		Type:                 types.AuthType(a.Type),
		Username:             deref(a.Username),
		Password:             deref(a.Password),
		Token:                deref(a.Token),
		HeaderName:           deref(a.HeaderName),
		HeaderValue:          deref(a.HeaderValue),
		LoginURL:             deref(a.LoginURL),
		UsernameSelector:     deref(a.UsernameSelector),
		PasswordSelector:     deref(a.PasswordSelector),
		SubmitSelector:       deref(a.SubmitSelector),
		ModalTriggerSelector: deref(a.ModalTriggerSelector),
		LoginSuccessSelector: deref(a.LoginSuccessSelector),
	}
	if a.LoginType != nil {
		cfg.LoginType = types.LoginType(*a.LoginType)
	}
	return cfg
}

// toPatch carries the omitted-vs-empty distinction through to the
// secrets policy.
func (a *authCredentials) toPatch() *registry.AuthPatch {
	patch := &registry.AuthPatch{
		Type:                 types.AuthType(a.Type),
		Username:             a.Username,
		Password:             a.Password,
		Token:                a.Token,
		HeaderName:           a.HeaderName,
		HeaderValue:          a.HeaderValue,
		LoginURL:             a.LoginURL,
		UsernameSelector:     a.UsernameSelector,
		PasswordSelector:     a.PasswordSelector,
		SubmitSelector:       a.SubmitSelector,
		ModalTriggerSelector: a.ModalTriggerSelector,
		LoginSuccessSelector: a.LoginSuccessSelector,
	}
	if a.LoginType != nil {
		loginType := types.LoginType(*a.LoginType)
		patch.LoginType = &loginType
	}
	return patch
}
