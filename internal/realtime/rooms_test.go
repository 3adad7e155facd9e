package realtime

import (
	"errors"
	"testing"
)

type sentFrame struct {
	event string
	id    string
}

type frameLog struct {
	frames []sentFrame
	fail   error
}

func (l *frameLog) send(event, resourceID string) error {
	if l.fail != nil {
		return l.fail
	}
	l.frames = append(l.frames, sentFrame{event: event, id: resourceID})
	return nil
}

func TestRoomTrackerDefersJoinsUntilAttach(t *testing.T) {
	tracker := NewRoomTracker(nil)
	if !tracker.Want(ConversationRoom("a")) {
		t.Fatalf("expected first want to change state")
	}
	if tracker.Want(ConversationRoom("a")) {
		t.Fatalf("expected repeated want to be a no-op")
	}
	tracker.Want(CampaignRoom("b"))

	log := &frameLog{}
	joined := tracker.Attach(log.send)

	if len(joined) != 2 {
		t.Fatalf("expected 2 joins, got %d", len(joined))
	}
	expected := []sentFrame{{EventJoinConversation, "a"}, {EventCampaignJoin, "b"}}
	if len(log.frames) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, log.frames)
	}
	for index := range expected {
		if log.frames[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, log.frames)
		}
	}
}

func TestRoomTrackerUnwantPrunesAndLeaves(t *testing.T) {
	tracker := NewRoomTracker(nil)
	log := &frameLog{}
	tracker.Attach(log.send)

	tracker.Want(ConversationRoom("a"))
	if !tracker.Unwant(ConversationRoom("a")) {
		t.Fatalf("expected unwant to change state")
	}
	if tracker.Unwant(ConversationRoom("a")) {
		t.Fatalf("expected unknown unwant to be a no-op")
	}
	if tracker.IsWanted(ConversationRoom("a")) {
		t.Fatalf("expected room to be pruned")
	}
	if len(tracker.Memberships()) != 0 {
		t.Fatalf("expected no memberships")
	}
	if len(log.frames) != 2 || log.frames[1] != (sentFrame{EventLeaveConversation, "a"}) {
		t.Fatalf("unexpected frames %v", log.frames)
	}
}

func TestRoomTrackerDetachClearsJoined(t *testing.T) {
	tracker := NewRoomTracker(nil)
	tracker.Want(CampaignRoom("c"))
	tracker.Attach((&frameLog{}).send)
	tracker.Detach()

	memberships := tracker.Memberships()
	if len(memberships) != 1 {
		t.Fatalf("expected membership to survive detach")
	}
	if memberships[0].Joined || !memberships[0].Desired {
		t.Fatalf("unexpected membership %+v", memberships[0])
	}

	log := &frameLog{}
	tracker.Unwant(CampaignRoom("c"))
	tracker.Want(CampaignRoom("d"))
	if len(log.frames) != 0 {
		t.Fatalf("expected no frames while detached")
	}
}

func TestRoomTrackerRecordsFailedJoin(t *testing.T) {
	tracker := NewRoomTracker(nil)
	tracker.Want(ConversationRoom("a"))
	joined := tracker.Attach((&frameLog{fail: errors.New("write failed")}).send)

	if len(joined) != 0 {
		t.Fatalf("expected no successful joins")
	}
	if tracker.Memberships()[0].Joined {
		t.Fatalf("expected failed join to stay unjoined")
	}
}

func TestParseRoom(t *testing.T) {
	room, err := ParseRoom("campaign:42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if room != CampaignRoom("42") {
		t.Fatalf("unexpected room %+v", room)
	}
	for _, invalid := range []string{"", "campaign", "campaign:", "team:1"} {
		if _, err := ParseRoom(invalid); !errors.Is(err, ErrInvalidRoom) {
			t.Fatalf("expected ErrInvalidRoom for %q, got %v", invalid, err)
		}
	}
}
