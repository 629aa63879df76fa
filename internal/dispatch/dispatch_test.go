package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/PetoAdam/lumina-relay/internal/command"
	"github.com/PetoAdam/lumina-relay/internal/store"
)

type fakeStore struct {
	profiles map[string]*store.Profile
	records  []*store.CommandRecord
}

func (f *fakeStore) GetProfile(_ context.Context, userID string) (*store.Profile, error) {
	return f.profiles[userID], nil
}

func (f *fakeStore) InsertCommand(_ context.Context, rec *store.CommandRecord) error {
	f.records = append(f.records, rec)
	return nil
}

type fakePub struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (p *fakePub) Publish(topic string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func newFixture() (*fakeStore, *fakePub, *Service) {
	st := &fakeStore{profiles: map[string]*store.Profile{
		"u1": {UserID: "u1", DeviceID: "dev1"},
		"u2": {UserID: "u2"},
		"u3": {UserID: "u3", DeviceID: "dev/3"},
	}}
	pub := &fakePub{}
	return st, pub, New(st, pub, "relay", "primary")
}

func TestDispatchPublishesToDeviceTopic(t *testing.T) {
	st, pub, svc := newFixture()
	id, err := svc.Dispatch(context.Background(), "u1", command.Power(true, ""), SourceVoice)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != "relay/dev1/command" {
		t.Fatalf("unexpected topics %v", pub.topics)
	}
	var got map[string]any
	if err := json.Unmarshal(pub.payloads[0], &got); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if got["action"] != "setState" || got["controllerId"] != "primary" {
		t.Fatalf("unexpected command %v", got)
	}
	if p, _ := got["payload"].(map[string]any); p["on"] != true {
		t.Fatalf("unexpected payload %v", got["payload"])
	}
	if len(st.records) != 1 || st.records[0].ID.String() != id || st.records[0].Source != SourceVoice {
		t.Fatalf("command not recorded: %+v", st.records)
	}
}

func TestDispatchUsesProfileController(t *testing.T) {
	st, pub, svc := newFixture()
	st.profiles["u1"].ControllerID = "porch"
	if _, err := svc.Dispatch(context.Background(), "u1", command.Command{Action: command.ActionGetState}, SourceApp); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	var got command.Command
	_ = json.Unmarshal(pub.payloads[0], &got)
	if got.ControllerID != "porch" {
		t.Fatalf("expected profile controller, got %q", got.ControllerID)
	}
}

func TestDispatchWithoutDevice(t *testing.T) {
	_, pub, svc := newFixture()
	for _, user := range []string{"u2", "nobody"} {
		if _, err := svc.Dispatch(context.Background(), user, command.Power(false, ""), SourceApp); !errors.Is(err, ErrNoDevice) {
			t.Fatalf("%s: expected ErrNoDevice, got %v", user, err)
		}
	}
	if len(pub.topics) != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestDispatchRejectsTopicBreakingDeviceID(t *testing.T) {
	_, pub, svc := newFixture()
	if _, err := svc.Dispatch(context.Background(), "u3", command.Power(true, ""), SourceApp); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
	if len(pub.topics) != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestDispatchPublishFailure(t *testing.T) {
	_, pub, svc := newFixture()
	pub.err = errors.New("not connected")
	if _, err := svc.Dispatch(context.Background(), "u1", command.Power(true, ""), SourceApp); err == nil {
		t.Fatalf("expected publish error")
	}
}
