package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lvdashuaibi/rsvpsync/internal/discord"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	"github.com/lvdashuaibi/rsvpsync/internal/websocket"
)

type fakeDiscord struct {
	calls []int64
	ok    bool
}

func (f *fakeDiscord) UpdateRSVPEmbed(ctx context.Context, matchID int64) discord.EmbedResult {
	f.calls = append(f.calls, matchID)
	if f.ok {
		return discord.EmbedResult{Success: true, Attempts: 1}
	}
	return discord.EmbedResult{Attempts: 3, Error: "timeout"}
}

type emitted struct {
	matchID int64
	event   string
	data    interface{}
}

type fakeRooms struct {
	events []emitted
	err    error
}

func (f *fakeRooms) EmitToMatch(matchID int64, event string, data interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, emitted{matchID, event, data})
	return nil
}

type fakeSummary struct{}

func (fakeSummary) GetMatch(ctx context.Context, id int64) (*model.Match, error) {
	return &model.Match{ID: id, HomeTeamID: 1, AwayTeamID: 2}, nil
}

func (fakeSummary) GetRSVPCounts(ctx context.Context, id int64) (model.RSVPCounts, error) {
	return model.RSVPCounts{Yes: 3, No: 1}, nil
}

func testEvent() *model.RSVPEvent {
	return &model.RSVPEvent{MatchID: 7, PlayerID: 3, NewResponse: model.ResponseYes, Source: model.SourceMobile, OccurredAt: time.Now()}
}

func TestNotify_BothChannels(t *testing.T) {
	d := &fakeDiscord{ok: true}
	rooms := &fakeRooms{}
	n := NewNotifier(d, rooms, fakeSummary{})

	res := n.Notify(context.Background(), testEvent())
	if !res.Discord || !res.WebSocket || len(res.Errors) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(d.calls) != 1 || d.calls[0] != 7 {
		t.Fatalf("discord calls = %v", d.calls)
	}
	if len(rooms.events) != 2 || rooms.events[0].event != websocket.EventRSVPUpdate || rooms.events[1].event != websocket.EventRSVPSummary {
		t.Fatalf("events = %+v", rooms.events)
	}
	update := rooms.events[0].data.(model.RSVPUpdatePayload)
	if update.Availability != model.ResponseYes || update.Source != model.SourceMobile {
		t.Fatalf("update payload = %+v", update)
	}
	summary := rooms.events[1].data.(model.RSVPSummaryPayload)
	if summary.TotalResponses != 4 || summary.HomeTeamID != 1 {
		t.Fatalf("summary payload = %+v", summary)
	}
}

func TestNotify_DiscordFailureDoesNotBlockWebSocket(t *testing.T) {
	rooms := &fakeRooms{}
	res := NewNotifier(&fakeDiscord{}, rooms, fakeSummary{}).Notify(context.Background(), testEvent())
	if res.Discord || !res.WebSocket {
		t.Fatalf("result = %+v", res)
	}
	if len(rooms.events) != 2 {
		t.Fatalf("websocket events = %d", len(rooms.events))
	}
}

func TestNotify_WebSocketFailureDoesNotBlockDiscord(t *testing.T) {
	d := &fakeDiscord{ok: true}
	res := NewNotifier(d, &fakeRooms{err: errors.New("busy")}, fakeSummary{}).Notify(context.Background(), testEvent())
	if !res.Discord || res.WebSocket || len(res.Errors) != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestHandle_ErrorOnlyWhenEverythingFailed(t *testing.T) {
	n := NewNotifier(&fakeDiscord{}, &fakeRooms{err: errors.New("busy")}, fakeSummary{})
	err := n.Handle(context.Background(), testEvent())
	var de *DeliveryError
	if !errors.As(err, &de) || len(de.Errors) != 2 {
		t.Fatalf("err = %v", err)
	}

	n = NewNotifier(&fakeDiscord{ok: true}, &fakeRooms{err: errors.New("busy")}, fakeSummary{})
	if err := n.Handle(context.Background(), testEvent()); err != nil {
		t.Fatalf("partial delivery should not error: %v", err)
	}
}
