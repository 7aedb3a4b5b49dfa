package httpapi

import (
	"context"
	"testing"

	"github.com/jmylchreest/retrovue-playoutd/internal/channelfsm"
	"github.com/jmylchreest/retrovue-playoutd/internal/controlplane"
	"github.com/jmylchreest/retrovue-playoutd/internal/masterclock"
	"github.com/jmylchreest/retrovue-playoutd/internal/playouterr"
	"github.com/jmylchreest/retrovue-playoutd/internal/stagingqueue"
)

type fakeResolver struct {
	path, assetID string
}

func (r fakeResolver) Resolve(ctx context.Context, planHandle string) (string, string, error) {
	return r.path, r.assetID, nil
}

func newFakeChannel(id int32, state channelfsm.State) *controlplane.Channel {
	queue := stagingqueue.New(4)
	clock := masterclock.NewTest(0, 0, 0)
	fsm := channelfsm.New(nil, queue, clock, 0, nil)
	fsm.Fire(channelfsm.EventBeginSession, "s")
	if state == channelfsm.StateReady || state == channelfsm.StatePlaying {
		fsm.Fire(channelfsm.EventBufferDepthReady, "")
	}
	if state == channelfsm.StatePlaying {
		fsm.Fire(channelfsm.EventPlay, "")
	}
	stopped := make(chan struct{})
	close(stopped)
	return &controlplane.Channel{ID: id, FSM: fsm, Cancel: func() {}, Stopped: stopped, FrameDurationUs: 33366}
}

func newTestHandler(ch *controlplane.Channel, swap controlplane.PlanSwapper) *Handler {
	starter := func(ctx context.Context, channelID int32, path, assetID string, port int32, udsPath string) (*controlplane.Channel, error) {
		return ch, nil
	}
	adapter := controlplane.New(fakeResolver{path: "a.mp4", assetID: "a"}, starter, nil)
	return NewHandler(adapter, swap)
}

func TestStartChannel(t *testing.T) {
	ch := newFakeChannel(1, channelfsm.StateReady)
	h := newTestHandler(ch, nil)

	out, err := h.startChannel(context.Background(), &startChannelInput{
		Body: startChannelBody{ChannelID: 1, PlanHandle: "plan-1", Port: 9000},
	})
	if err != nil {
		t.Fatalf("startChannel: %v", err)
	}
	if !out.Body.Success {
		t.Error("expected success")
	}
}

func TestStartChannel_AlreadyExistsMapsTo409(t *testing.T) {
	ch := newFakeChannel(1, channelfsm.StateReady)
	h := newTestHandler(ch, nil)

	if _, err := h.startChannel(context.Background(), &startChannelInput{
		Body: startChannelBody{ChannelID: 1, PlanHandle: "plan-1"},
	}); err != nil {
		t.Fatalf("first startChannel: %v", err)
	}

	_, err := h.startChannel(context.Background(), &startChannelInput{
		Body: startChannelBody{ChannelID: 1, PlanHandle: "plan-1"},
	})
	if err == nil {
		t.Fatal("expected an error on duplicate channel id")
	}
	if status := statusCodeOf(t, err); status != 409 {
		t.Fatalf("status = %d, want 409", status)
	}
}

func TestStopChannel_NotFoundMapsTo404(t *testing.T) {
	h := newTestHandler(nil, nil)

	_, err := h.stopChannel(context.Background(), &stopChannelInput{ChannelID: 99})
	if err == nil {
		t.Fatal("expected an error for an unknown channel id")
	}
	if status := statusCodeOf(t, err); status != 404 {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestUpdatePlan_InvokesInjectedSwapper(t *testing.T) {
	ch := newFakeChannel(1, channelfsm.StateReady)
	var gotPath, gotAssetID string
	swap := func(ctx context.Context, ch *controlplane.Channel, path, assetID string) error {
		gotPath, gotAssetID = path, assetID
		return nil
	}

	h := newTestHandler(ch, swap)
	if _, err := h.startChannel(context.Background(), &startChannelInput{
		Body: startChannelBody{ChannelID: 1, PlanHandle: "plan-1"},
	}); err != nil {
		t.Fatalf("startChannel: %v", err)
	}

	out, err := h.updatePlan(context.Background(), &updatePlanInput{
		updatePlanPath: updatePlanPath{ChannelID: 1},
		Body:           updatePlanBody{PlanHandle: "plan-2"},
	})
	if err != nil {
		t.Fatalf("updatePlan: %v", err)
	}
	if !out.Body.Success {
		t.Error("expected success")
	}
	if gotPath != "a.mp4" || gotAssetID != "a" {
		t.Errorf("swap called with (%q, %q), want (a.mp4, a)", gotPath, gotAssetID)
	}
}

func TestGetVersion(t *testing.T) {
	h := newTestHandler(nil, nil)
	out, err := h.getVersion(context.Background(), &getVersionInput{})
	if err != nil {
		t.Fatalf("getVersion: %v", err)
	}
	if out.Body.Version != controlplane.Version {
		t.Errorf("version = %q, want %q", out.Body.Version, controlplane.Version)
	}
}

func TestToHumaError_FailedPreconditionMapsTo412(t *testing.T) {
	err := toHumaError(playouterr.New(playouterr.KindFailedPrecondition, "no preview loaded"))
	if status := statusCodeOf(t, err); status != 412 {
		t.Fatalf("status = %d, want 412", status)
	}
}

// statusCodeOf extracts the status code from a huma status error via its
// StatusError interface, failing the test if err doesn't implement it.
func statusCodeOf(t *testing.T, err error) int {
	t.Helper()
	type statusError interface {
		GetStatus() int
	}
	se, ok := err.(statusError)
	if !ok {
		t.Fatalf("error %v does not implement GetStatus", err)
	}
	return se.GetStatus()
}
