package funcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tasktalk/server/internal/dialog/model"
	logx "github.com/tasktalk/server/pkg/logger"
)

// Func is a business function invoked when a leaf node has its value.
// It receives copies of the collected entities, so a call that outlives
// its timeout cannot mutate live session state.
type Func func(ctx context.Context, call Call) model.FuncResult

// Call is the input handed to a business function.
type Call struct {
	Entities  map[string]string `json:"entities"`
	CurTask   string            `json:"cur_task"`
	CurEntity string            `json:"cur_entity"`
	Value     string            `json:"value"`
}

// Registry resolves function names to implementations. Session-scoped
// overrides shadow the defaults; an unresolved name that looks like a URL
// is invoked remotely.
type Registry struct {
	defaults map[string]Func
	client   *http.Client
	timeout  time.Duration
}

// DefaultTimeout bounds a single business function call.
const DefaultTimeout = 5 * time.Second

// NewRegistry builds a registry with the given default functions.
func NewRegistry(defaults map[string]Func, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Registry{
		defaults: map[string]Func{},
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
	}
	for name, fn := range defaults {
		r.defaults[name] = fn
	}
	return r
}

// Register adds or replaces a default function.
func (r *Registry) Register(name string, fn Func) {
	r.defaults[name] = fn
}

// Invoke runs the named function with a hard timeout. Overrides win over
// defaults; unknown names that look like URLs are POSTed to remotely.
// A timeout or panic is reported as a failed result, never an error that
// kills the turn.
func (r *Registry) Invoke(ctx context.Context, name string, call Call, overrides map[string]Func) model.FuncResult {
	fn := r.resolve(name, overrides)
	if fn == nil {
		logx.Warn().Str("func", name).Msg("business function not found")
		return model.FuncResult{Success: false, Msg: model.MsgServiceFault}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan model.FuncResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logx.Error().Str("func", name).Any("panic", rec).Msg("business function panicked")
				done <- model.FuncResult{Success: false, Msg: model.MsgServiceFault}
			}
		}()
		done <- fn(ctx, call)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		logx.Warn().Str("func", name).Dur("timeout", r.timeout).Msg("business function timed out")
		return model.FuncResult{Success: false, Msg: model.MsgServiceTimeout}
	}
}

func (r *Registry) resolve(name string, overrides map[string]Func) Func {
	if fn, ok := overrides[name]; ok {
		return fn
	}
	if fn, ok := r.defaults[name]; ok {
		return fn
	}
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		return r.remote(name)
	}
	return nil
}

// remote wraps a URL as a Func. The endpoint receives the call as JSON and
// must answer {"success": bool, "msg": string}.
func (r *Registry) remote(url string) Func {
	return func(ctx context.Context, call Call) model.FuncResult {
		body, err := json.Marshal(call)
		if err != nil {
			return model.FuncResult{Success: false, Msg: model.MsgRemoteError}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return model.FuncResult{Success: false, Msg: model.MsgRemoteError}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return model.FuncResult{Success: false, Msg: model.MsgServiceTimeout}
			}
			logx.Error().Err(err).Str("url", url).Msg("remote function call failed")
			return model.FuncResult{Success: false, Msg: model.MsgRemoteError}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			logx.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("remote function returned non-200")
			return model.FuncResult{Success: false, Msg: model.MsgRemoteError}
		}
		var out model.FuncResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return model.FuncResult{Success: false, Msg: model.MsgRemoteError}
		}
		return out
	}
}
