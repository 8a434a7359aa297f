package resolver

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lvdashuaibi/rsvpsync/internal/model"
)

var downtimeStart = time.Date(2025, 5, 10, 18, 0, 0, 0, time.UTC)

func state(source model.RSVPSource, resp model.RSVPResponse, at time.Time) *model.RSVPState {
	return &model.RSVPState{Source: source, Response: resp, Timestamp: at, UserID: "d1", MatchID: 10}
}

func newTestResolver() *Resolver {
	return New(time.Hour, nil, nil, nil, nil)
}

func TestResolve_AtMostOneState(t *testing.T) {
	r := newTestResolver()

	res := r.Resolve(nil, nil, nil, downtimeStart, "t0")
	if res.ResolvedResponse != model.ResponseNoResponse || res.ChosenSource != model.SourceSystem ||
		res.ResolutionStrategy != model.StrategyUserIntentPreservation || res.Confidence != 1.0 {
		t.Fatalf("empty = %+v", res)
	}
	if res.ResolutionReason != "No RSVP state found" {
		t.Fatalf("reason = %q", res.ResolutionReason)
	}

	for _, single := range []struct{ d, db, m *model.RSVPState }{
		{d: state(model.SourceDiscord, model.ResponseNo, downtimeStart)},
		{db: state(model.SourceSystem, model.ResponseMaybe, downtimeStart.Add(-time.Hour))},
		{m: state(model.SourceMobile, model.ResponseYes, downtimeStart.Add(5*time.Hour))},
	} {
		var in *model.RSVPState
		for _, s := range []*model.RSVPState{single.d, single.db, single.m} {
			if s != nil {
				in = s
			}
		}
		res := r.Resolve(single.d, single.db, single.m, downtimeStart, "t1")
		if res.ResolvedResponse != in.Response || res.ChosenSource != in.Source ||
			res.ResolutionStrategy != model.StrategyUserIntentPreservation || res.Confidence != 1.0 {
			t.Fatalf("single %s = %+v", in.Source, res)
		}
		if res.ResolutionReason != "Single source of truth" {
			t.Fatalf("reason = %q", res.ResolutionReason)
		}
	}
}

func TestResolve_AgreementIsNotAConflict(t *testing.T) {
	r := newTestResolver()
	// 时间戳和来源都不影响结果
	res := r.Resolve(
		state(model.SourceDiscord, model.ResponseYes, downtimeStart.Add(10*time.Minute)),
		state(model.SourceSystem, model.ResponseYes, downtimeStart.Add(-3*time.Hour)),
		state(model.SourceMobile, model.ResponseYes, downtimeStart.Add(20*time.Minute)),
		downtimeStart, "t2")
	if res.ResolvedResponse != model.ResponseYes || res.ResolutionStrategy != model.StrategyUserIntentPreservation || res.Confidence != 1.0 {
		t.Fatalf("res = %+v", res)
	}
	if res.ChosenSource != model.SourceDiscord {
		t.Fatalf("first present state should be reported, got %s", res.ChosenSource)
	}
}

func TestResolve_OnlyOneChangedDuringDowntime(t *testing.T) {
	r := newTestResolver()
	res := r.Resolve(
		state(model.SourceDiscord, model.ResponseNo, downtimeStart.Add(10*time.Minute)),
		state(model.SourceSystem, model.ResponseYes, downtimeStart.Add(-time.Hour)),
		nil, downtimeStart, "t3")

	if res.ResolvedResponse != model.ResponseNo || res.ChosenSource != model.SourceDiscord {
		t.Fatalf("res = %+v", res)
	}
	if res.ResolutionStrategy != model.StrategyLastWriteWins || res.Confidence != 0.95 {
		t.Fatalf("strategy=%s confidence=%v", res.ResolutionStrategy, res.Confidence)
	}
	if res.ResolutionReason != "Only discord changed during downtime" {
		t.Fatalf("reason = %q", res.ResolutionReason)
	}
	if len(res.ConflictingStates) != 2 || res.TraceID != "t3" {
		t.Fatalf("conflicting=%d trace=%s", len(res.ConflictingStates), res.TraceID)
	}
}

func TestResolve_SeveralChangedUsesAuthority(t *testing.T) {
	r := newTestResolver()
	res := r.Resolve(
		state(model.SourceDiscord, model.ResponseNo, downtimeStart.Add(10*time.Minute)),
		nil,
		state(model.SourceMobile, model.ResponseMaybe, downtimeStart.Add(20*time.Minute)),
		downtimeStart, "t4")

	if res.ResolvedResponse != model.ResponseMaybe || res.ChosenSource != model.SourceMobile {
		t.Fatalf("res = %+v", res)
	}
	if res.ResolutionStrategy != model.StrategySourceHierarchy || res.Confidence != 0.85 {
		t.Fatalf("strategy=%s confidence=%v", res.ResolutionStrategy, res.Confidence)
	}
}

func TestResolve_NoneChangedUsesOverallAuthority(t *testing.T) {
	r := newTestResolver()
	res := r.Resolve(
		state(model.SourceDiscord, model.ResponseNo, downtimeStart.Add(-2*time.Hour)),
		state(model.SourceSystem, model.ResponseYes, downtimeStart.Add(-3*time.Hour)),
		nil, downtimeStart, "t5")

	if res.ChosenSource != model.SourceDiscord || res.ResolvedResponse != model.ResponseNo {
		t.Fatalf("res = %+v", res)
	}
	if res.ResolutionStrategy != model.StrategySourceHierarchy || res.Confidence != 0.70 {
		t.Fatalf("strategy=%s confidence=%v", res.ResolutionStrategy, res.Confidence)
	}
}

func TestResolve_WindowIsHalfOpen(t *testing.T) {
	r := newTestResolver()

	// 恰好在窗口起点算作停机期间的变化
	res := r.Resolve(
		state(model.SourceSystem, model.ResponseYes, downtimeStart),
		nil,
		state(model.SourceMobile, model.ResponseNo, downtimeStart.Add(-time.Minute)),
		downtimeStart, "t6")
	if res.ResolutionStrategy != model.StrategyLastWriteWins || res.ChosenSource != model.SourceSystem {
		t.Fatalf("start boundary: %+v", res)
	}

	// 恰好在窗口终点不算
	res = r.Resolve(
		state(model.SourceSystem, model.ResponseYes, downtimeStart.Add(time.Hour)),
		nil,
		state(model.SourceMobile, model.ResponseNo, downtimeStart.Add(-time.Minute)),
		downtimeStart, "t7")
	if res.ResolutionStrategy != model.StrategySourceHierarchy || res.ChosenSource != model.SourceMobile || res.Confidence != 0.70 {
		t.Fatalf("end boundary: %+v", res)
	}
}

func TestResolve_EqualAuthorityKeepsInputOrder(t *testing.T) {
	r := newTestResolver()
	// 两个系统来源权威度相同，靠前的获胜
	first := state(model.SourceSystem, model.ResponseYes, downtimeStart.Add(-2*time.Hour))
	second := state(model.SourceSystem, model.ResponseNo, downtimeStart.Add(-2*time.Hour))
	res := r.Resolve(first, second, nil, downtimeStart, "t8")
	if res.ResolvedResponse != model.ResponseYes {
		t.Fatalf("res = %+v", res)
	}
}

func TestAuthorityRanking(t *testing.T) {
	if !(Authority(model.SourceSystem) < Authority(model.SourceWeb) &&
		Authority(model.SourceWeb) < Authority(model.SourceDiscord) &&
		Authority(model.SourceDiscord) < Authority(model.SourceMobile)) {
		t.Fatal("authority ranking must be system < web < discord < mobile")
	}
	if Authority("unknown") != 0 {
		t.Fatal("unknown source should rank lowest")
	}
}

type fakeDB struct {
	row *model.Availability
	err error
}

func (f fakeDB) GetAvailabilityByDiscordID(ctx context.Context, matchID int64, discordID string) (*model.Availability, error) {
	return f.row, f.err
}

type fakeStates map[model.RSVPSource]*model.RSVPState

func (f fakeStates) GetSourceState(ctx context.Context, source model.RSVPSource, matchID int64, discordID string) (*model.RSVPState, error) {
	if s, ok := f[source]; ok {
		c := *s
		return &c, nil
	}
	return nil, nil
}

type fakePlayers map[string]*model.Player

func (f fakePlayers) GetPlayerByDiscordID(ctx context.Context, discordID string) (*model.Player, error) {
	if p, ok := f[discordID]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%s: %w", discordID, model.ErrPlayerNotFound)
}

type fakeUpdater struct {
	reqs   []model.UpdateRequest
	result *model.UpdateResult
	err    error
}

func (f *fakeUpdater) UpdateRSVP(ctx context.Context, req model.UpdateRequest) (*model.UpdateResult, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &model.UpdateResult{Success: true}, nil
}

func TestGetDatabaseState(t *testing.T) {
	at := downtimeStart.Add(-time.Hour)
	r := New(time.Hour, fakeDB{row: &model.Availability{Response: model.ResponseMaybe, RespondedAt: at}}, nil, nil, nil)

	s := r.GetDatabaseState(context.Background(), 10, "d1")
	if s == nil || s.Source != model.SourceSystem || s.Confidence != DatabaseConfidence || !s.Timestamp.Equal(at) {
		t.Fatalf("state = %+v", s)
	}

	r = New(time.Hour, fakeDB{err: errors.New("db down")}, nil, nil, nil)
	if s := r.GetDatabaseState(context.Background(), 10, "d1"); s != nil {
		t.Fatal("errors must collapse to nil")
	}
}

func TestGetSourceStates(t *testing.T) {
	states := fakeStates{model.SourceDiscord: state(model.SourceDiscord, model.ResponseNo, downtimeStart)}
	r := New(time.Hour, fakeDB{}, states, nil, nil)

	d := r.GetDiscordState(context.Background(), 10, "d1")
	if d == nil || d.Confidence != DiscordConfidence {
		t.Fatalf("discord = %+v", d)
	}
	if m := r.GetMobileState(context.Background(), 10, "d1"); m != nil {
		t.Fatalf("mobile = %+v", m)
	}
}

func TestApplyResolution(t *testing.T) {
	up := &fakeUpdater{}
	r := New(time.Hour, nil, nil, fakePlayers{"d1": {ID: 5, DiscordID: "d1"}}, up)
	res := &model.ConflictResolution{
		ResolvedResponse:   model.ResponseNo,
		ChosenSource:       model.SourceDiscord,
		ResolutionStrategy: model.StrategyLastWriteWins,
		Confidence:         0.95,
		ResolutionReason:   "Only discord changed during downtime",
		TraceID:            "abc",
	}

	if !r.ApplyResolution(context.Background(), res, 10, "d1") {
		t.Fatal("apply should succeed")
	}
	req := up.reqs[0]
	if req.PlayerID != 5 || req.Source != model.SourceDiscord || req.Response != model.ResponseNo {
		t.Fatalf("req = %+v", req)
	}
	if req.OperationID != "conflict_resolution_abc" {
		t.Fatalf("operation id = %q", req.OperationID)
	}
	if req.Conflict == nil || req.Conflict.Strategy != model.StrategyLastWriteWins || req.Conflict.Confidence != 0.95 {
		t.Fatalf("conflict metadata = %+v", req.Conflict)
	}
}

func TestApplyResolution_Failures(t *testing.T) {
	res := &model.ConflictResolution{ResolvedResponse: model.ResponseYes, ChosenSource: model.SourceMobile, TraceID: "x"}

	up := &fakeUpdater{}
	r := New(time.Hour, nil, nil, fakePlayers{}, up)
	if r.ApplyResolution(context.Background(), res, 10, "ghost") {
		t.Fatal("unknown player should return false")
	}
	if len(up.reqs) != 0 {
		t.Fatal("unknown player must not reach the update path")
	}

	players := fakePlayers{"d1": {ID: 5}}
	r = New(time.Hour, nil, nil, players, &fakeUpdater{err: errors.New("boom")})
	if r.ApplyResolution(context.Background(), res, 10, "d1") {
		t.Fatal("update error should return false")
	}
	r = New(time.Hour, nil, nil, players, &fakeUpdater{result: &model.UpdateResult{Success: false, Message: "nope"}})
	if r.ApplyResolution(context.Background(), res, 10, "d1") {
		t.Fatal("failed update result should return false")
	}
}

func TestReconcile(t *testing.T) {
	db := fakeDB{row: &model.Availability{Response: model.ResponseYes, RespondedAt: downtimeStart.Add(-time.Hour)}}
	states := fakeStates{model.SourceDiscord: state(model.SourceDiscord, model.ResponseNo, downtimeStart.Add(10*time.Minute))}
	up := &fakeUpdater{}
	r := New(time.Hour, db, states, fakePlayers{"d1": {ID: 5}}, up)

	out := r.Reconcile(context.Background(), 10, "d1", downtimeStart, "rec")
	if !out.Applied || out.Skipped || out.Resolution.ResolvedResponse != model.ResponseNo {
		t.Fatalf("reconcile = %+v", out)
	}
	if len(up.reqs) != 1 {
		t.Fatalf("updates = %d", len(up.reqs))
	}

	// 与数据库一致时不写回
	states[model.SourceDiscord] = state(model.SourceDiscord, model.ResponseYes, downtimeStart.Add(10*time.Minute))
	out = r.Reconcile(context.Background(), 10, "d1", downtimeStart, "rec2")
	if !out.Skipped || out.Applied || len(up.reqs) != 1 {
		t.Fatalf("reconcile = %+v updates=%d", out, len(up.reqs))
	}
}
