package funcs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tasktalk/server/internal/dialog/model"
)

func ok(msg string) Func {
	return func(ctx context.Context, call Call) model.FuncResult {
		return model.FuncResult{Success: true, Msg: msg}
	}
}

func TestInvokeDefault(t *testing.T) {
	r := NewRegistry(map[string]Func{"lookup": ok("found")}, time.Second)
	res := r.Invoke(context.Background(), "lookup", Call{}, nil)
	assert.True(t, res.Success)
	assert.Equal(t, "found", res.Msg)
}

func TestOverrideShadowsDefault(t *testing.T) {
	r := NewRegistry(map[string]Func{"lookup": ok("default")}, time.Second)
	res := r.Invoke(context.Background(), "lookup", Call{}, map[string]Func{"lookup": ok("override")})
	assert.Equal(t, "override", res.Msg)
}

func TestInvokeTimesOut(t *testing.T) {
	slow := func(ctx context.Context, call Call) model.FuncResult {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return model.FuncResult{Success: true, Msg: "too late"}
	}
	r := NewRegistry(map[string]Func{"slow": slow}, 20*time.Millisecond)
	res := r.Invoke(context.Background(), "slow", Call{}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.MsgServiceTimeout, res.Msg)
}

func TestInvokeRecoversPanic(t *testing.T) {
	boom := func(ctx context.Context, call Call) model.FuncResult {
		panic("boom")
	}
	r := NewRegistry(map[string]Func{"boom": boom}, time.Second)
	res := r.Invoke(context.Background(), "boom", Call{}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.MsgServiceFault, res.Msg)
}

func TestInvokeUnknownName(t *testing.T) {
	r := NewRegistry(nil, time.Second)
	res := r.Invoke(context.Background(), "nope", Call{}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.MsgServiceFault, res.Msg)
}

func TestInvokeRemoteURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		w.Write([]byte(`{"success": true, "msg": "remote ok"}`))
	}))
	defer srv.Close()

	r := NewRegistry(nil, time.Second)
	res := r.Invoke(context.Background(), srv.URL, Call{CurTask: "t"}, nil)
	assert.True(t, res.Success)
	assert.Equal(t, "remote ok", res.Msg)
}

func TestInvokeRemoteNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRegistry(nil, time.Second)
	res := r.Invoke(context.Background(), srv.URL, Call{}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.MsgRemoteError, res.Msg)
}
