package handlers

import (
	"reflect"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

func subscriptionsForURI(t *testing.T, uri string) []string {
	t.Helper()
	app := fiber.New()
	fctx := &fasthttp.RequestCtx{}
	fctx.Request.SetRequestURI(uri)
	c := app.AcquireCtx(fctx)
	defer app.ReleaseCtx(c)
	return parseSubscriptions(c)
}

func TestParseSubscriptions(t *testing.T) {
	got := subscriptionsForURI(t, "/api/events?subscriptions=documents,%20chat%20,")
	want := []string{"documents", "chat"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestParseSubscriptions_PrefersSubscriptionsParam(t *testing.T) {
	got := subscriptionsForURI(t, "/api/events?subscriptions=documents&topics=chat")
	want := []string{"documents"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestParseSubscriptions_TopicsAlias(t *testing.T) {
	got := subscriptionsForURI(t, "/api/events?topics=chat")
	want := []string{"chat"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestParseSubscriptions_Empty(t *testing.T) {
	if got := subscriptionsForURI(t, "/api/events"); got != nil {
		t.Errorf("Expected no subscriptions, got %v", got)
	}
}
