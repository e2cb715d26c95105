package discord

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/chatyard/internal/notify"
)

type fakeExecutor struct {
	calls  int
	fail   []error
	params *discordgo.WebhookParams
	id     string
	token  string
}

func (f *fakeExecutor) WebhookExecute(id, token string, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.calls++
	f.id, f.token, f.params = id, token, data
	if len(f.fail) >= f.calls {
		return nil, f.fail[f.calls-1]
	}
	return &discordgo.Message{}, nil
}

func newTestNotifier(exec *fakeExecutor) *Notifier {
	return &Notifier{exec: exec, webhookID: "123", token: "tok", baseBackoff: time.Millisecond, maxBackoff: time.Millisecond}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New("", "tok"); err == nil {
		t.Error("expected error for empty id")
	}
	if _, err := New("123", ""); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestNotifySupervisors_Embed(t *testing.T) {
	exec := &fakeExecutor{}
	n := newTestNotifier(exec)

	err := n.NotifySupervisors(context.Background(), notify.Notice{
		DocumentName:     "doc.pdf",
		ContactLabel:     "+1555",
		ClosureKindLabel: notify.KindReturnToBot,
	})
	if err != nil {
		t.Fatalf("NotifySupervisors: %v", err)
	}
	if exec.id != "123" || exec.token != "tok" {
		t.Errorf("webhook = %s/%s", exec.id, exec.token)
	}
	if len(exec.params.Embeds) != 1 {
		t.Fatalf("embeds = %d", len(exec.params.Embeds))
	}
	e := exec.params.Embeds[0]
	if e.Color != 0x36a64f {
		t.Errorf("color = %x", e.Color)
	}
	if len(e.Fields) != 1 || e.Fields[0].Value != "doc.pdf" {
		t.Errorf("fields = %+v", e.Fields)
	}
}

func TestNotifySupervisors_RetriesOn429(t *testing.T) {
	limited := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests, Status: "429"}}
	exec := &fakeExecutor{fail: []error{limited, limited}}
	n := newTestNotifier(exec)

	if err := n.NotifySupervisors(context.Background(), notify.Notice{}); err != nil {
		t.Fatalf("NotifySupervisors: %v", err)
	}
	if exec.calls != 3 {
		t.Errorf("calls = %d, want 3", exec.calls)
	}
}

func TestNotifySupervisors_GivesUpOnOtherErrors(t *testing.T) {
	exec := &fakeExecutor{fail: []error{errors.New("unknown webhook")}}
	n := newTestNotifier(exec)
	if err := n.NotifySupervisors(context.Background(), notify.Notice{}); err == nil {
		t.Fatal("expected error")
	}
	if exec.calls != 1 {
		t.Errorf("calls = %d, want 1", exec.calls)
	}
}

func TestParseHexColor(t *testing.T) {
	tests := map[string]int{"#36a64f": 0x36a64f, "FF9900": 0xff9900, "": 0}
	for in, want := range tests {
		if got := parseHexColor(in); got != want {
			t.Errorf("parseHexColor(%q) = %x, want %x", in, got, want)
		}
	}
}
