package bus

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
)

func noopHandler(context.Context, EventContext, json.RawMessage) error { return nil }

func TestRouterExactMatch(t *testing.T) {
	r := NewRouter()
	r.On("demo.hello", false, noopHandler)
	r.Freeze()

	if got := r.Match("demo.hello"); len(got) != 1 {
		t.Fatalf("expected 1 handler, got %d", len(got))
	}
	if got := r.Match("demo.bye"); len(got) != 0 {
		t.Fatalf("expected no match for unregistered type, got %d", len(got))
	}
}

func TestRouterGroupComposesDotJoinedPaths(t *testing.T) {
	r := NewRouter()
	demo := r.Group("demo")
	demo.On("hello", false, noopHandler)

	nested := demo.Group("inner")
	nested.On("deep", true, noopHandler)

	r.Freeze()

	if len(r.Match("demo.hello")) != 1 {
		t.Fatalf("expected demo.hello to match")
	}
	got := r.Match("demo.inner.deep")
	if len(got) != 1 || !got[0].Transactional {
		t.Fatalf("expected demo.inner.deep to match a transactional handler, got %+v", got)
	}
}

func TestRouterDepthFirstRegistrationOrder(t *testing.T) {
	var order []string
	record := func(name string) HandlerFunc {
		return func(context.Context, EventContext, json.RawMessage) error {
			order = append(order, name)
			return nil
		}
	}

	r := NewRouter()
	r.On("fan.out", false, record("root-1"))

	child := r.Group("fan")
	child.On("out", false, record("child-1"))
	child.On("out", false, record("child-2"))

	r.Freeze()

	handlers := r.Match("fan.out")
	if len(handlers) != 3 {
		t.Fatalf("expected 3 handlers for fan.out, got %d", len(handlers))
	}

	for _, h := range handlers {
		_ = h.Fn(context.Background(), EventContext{}, nil)
	}

	want := []string{"root-1", "child-1", "child-2"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("depth-first registration order violated: got %v want %v", order, want)
	}
}

func TestRouterMultipleHandlersSamePathRunInRegistrationOrder(t *testing.T) {
	var order []string
	r := NewRouter()
	r.On("multi", false, func(context.Context, EventContext, json.RawMessage) error {
		order = append(order, "first")
		return nil
	})
	r.On("multi", true, func(context.Context, EventContext, json.RawMessage) error {
		order = append(order, "second")
		return nil
	})
	r.Freeze()

	handlers := r.Match("multi")
	if len(handlers) != 2 {
		t.Fatalf("expected 2 handlers, got %d", len(handlers))
	}
	if handlers[0].Transactional || !handlers[1].Transactional {
		t.Fatalf("expected registration order preserved with mixed transactional flags: %+v", handlers)
	}
}
