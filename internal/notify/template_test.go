package notify

import "testing"

func TestRenderSubstitutesKnownKeys(t *testing.T) {
	r := NewRenderer(0)
	tmpl := NewTemplate("greet", ChannelInApp, "Hi {{name}}, goal {{goal}} done")

	content := r.Render(tmpl, map[string]interface{}{"name": "Ada", "goal": "G"})
	if content.Body != "Hi Ada, goal G done" {
		t.Fatalf("unexpected render: %q", content.Body)
	}
}

func TestRenderLeavesMissingKeysLiteral(t *testing.T) {
	r := NewRenderer(0)
	tmpl := NewTemplate("greet", ChannelInApp, "Hi {{name}}, goal {{goal}} done")

	content := r.Render(tmpl, map[string]interface{}{"name": "Ada"})
	if content.Body != "Hi Ada, goal {{goal}} done" {
		t.Fatalf("unexpected render: %q", content.Body)
	}
}

func TestRenderIsMemoizedByFingerprint(t *testing.T) {
	r := NewRenderer(0)
	tmpl := NewTemplate("greet", ChannelInApp, "Hi {{name}}")

	first := r.Render(tmpl, map[string]interface{}{"name": "Ada"})
	tmpl.BodyTemplate = "changed, but should not matter for a cache hit"
	second := r.Render(tmpl, map[string]interface{}{"name": "Ada"})

	if first.Body != second.Body {
		t.Fatalf("expected cache hit to return the original render, got %q vs %q", first.Body, second.Body)
	}
}

func TestRenderChangesWithDataFingerprint(t *testing.T) {
	r := NewRenderer(0)
	tmpl := NewTemplate("greet", ChannelInApp, "Hi {{name}}")

	first := r.Render(tmpl, map[string]interface{}{"name": "Ada"})
	second := r.Render(tmpl, map[string]interface{}{"name": "Grace"})

	if first.Body == second.Body {
		t.Fatal("expected different data to produce a different render")
	}
}

func TestContentSMSBodyPrefersShortBody(t *testing.T) {
	c := Content{Body: "long body", ShortBody: "short"}
	if c.SMSBody() != "short" {
		t.Fatalf("expected short_body to be preferred, got %q", c.SMSBody())
	}
}

func TestContentSMSBodyTruncatesAt160(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	c := Content{Body: string(long)}
	got := c.SMSBody()
	if len(got) != 160 {
		t.Fatalf("expected truncated body of length 160, got %d", len(got))
	}
	if got[157:] != "..." {
		t.Fatalf("expected truncated body to end in an ellipsis, got %q", got[157:])
	}
}

func TestContentSMSBodyUnderLimitUnchanged(t *testing.T) {
	c := Content{Body: "short message"}
	if c.SMSBody() != "short message" {
		t.Fatalf("expected unchanged body under the limit, got %q", c.SMSBody())
	}
}
