package dispatch

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/pithecene-io/tether/types"
)

func TestRouter_RoutesByMethod(t *testing.T) {
	r := NewRouter()

	var got []string
	r.Handle("Ping", func(_ context.Context, sessionID string, cmd *types.Command) error {
		got = append(got, "ping:"+sessionID)
		return nil
	})
	r.Handle("ClientOutput", func(_ context.Context, _ string, cmd *types.Command) error {
		got = append(got, "output:"+cmd.Params["text"].(string))
		return nil
	})

	ctx := context.Background()
	if err := r.HandleCommand(ctx, "s1", types.NewCommand("Ping", nil)); err != nil {
		t.Fatalf("HandleCommand(Ping) error = %v", err)
	}
	if err := r.HandleCommand(ctx, "", types.NewCommand("ClientOutput", map[string]any{"text": "hi"})); err != nil {
		t.Fatalf("HandleCommand(ClientOutput) error = %v", err)
	}

	want := []string{"ping:s1", "output:hi"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRouter_UnknownMethodIgnored(t *testing.T) {
	r := NewRouter()
	if err := r.HandleCommand(context.Background(), "", types.NewCommand("FutureCommand", nil)); err != nil {
		t.Errorf("unknown method without fallback should be ignored, got %v", err)
	}
}

func TestRouter_Fallback(t *testing.T) {
	r := NewRouter()
	var seen string
	r.HandleFallback(func(_ context.Context, _ string, cmd *types.Command) error {
		seen = cmd.Method
		return nil
	})
	r.Handle("Known", func(context.Context, string, *types.Command) error {
		t.Error("Known handler should not be called")
		return nil
	})

	_ = r.HandleCommand(context.Background(), "", types.NewCommand("Unknown", nil))
	if seen != "Unknown" {
		t.Errorf("fallback saw %q, want Unknown", seen)
	}
}

func TestRouter_PropagatesError(t *testing.T) {
	r := NewRouter()
	boom := errors.New("boom")
	r.Handle("Fail", func(context.Context, string, *types.Command) error { return boom })

	if err := r.HandleCommand(context.Background(), "", types.NewCommand("Fail", nil)); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}

func TestRouter_Methods(t *testing.T) {
	r := NewRouter()
	noop := func(context.Context, string, *types.Command) error { return nil }
	r.Handle("b", noop)
	r.Handle("a", noop)
	r.Handle("b", noop)

	if got := r.Methods(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Methods() = %v, want [a b]", got)
	}
}

func TestCall_NilHandler(t *testing.T) {
	if err := Call(context.Background(), nil, "", types.NewCommand("Ping", nil)); err != nil {
		t.Errorf("Call(nil handler) = %v, want nil", err)
	}
	if err := NewRouter().HandleCommand(context.Background(), "", nil); err != nil {
		t.Errorf("HandleCommand(nil) = %v, want nil", err)
	}
}

type variablesRequest struct {
	Frame int    `json:"frame"`
	Scope int    `json:"scope"`
	Name  string `json:"name,omitempty"`
}

func TestDecode(t *testing.T) {
	var req variablesRequest
	err := Decode(map[string]any{"frame": float64(2), "scope": 1, "extra": true}, &req)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if req.Frame != 2 || req.Scope != 1 {
		t.Errorf("Decode() = %+v, want frame=2 scope=1", req)
	}
}

func TestDecode_TypeMismatch(t *testing.T) {
	var req variablesRequest
	if err := Decode(map[string]any{"frame": "two"}, &req); err == nil {
		t.Fatal("expected error for mismatched field type")
	}
}
