package action

import (
	"context"
	"errors"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/router"
)

// fakeChannel records sends and replays scripted outcomes.
type fakeChannel struct {
	channelType  string
	outcomes     []Outcome
	pollOutcome  Outcome
	sent         []string
	sentPayloads []*Payload
	polled       []string
}

func (f *fakeChannel) Type() string                { return f.channelType }
func (f *fakeChannel) Timeout() time.Duration      { return time.Second }
func (f *fakeChannel) PollInterval() time.Duration { return 0 }

func (f *fakeChannel) Render(rctx *RenderContext) *Payload {
	return renderPayload(rctx)
}

func (f *fakeChannel) Send(_ context.Context, recipient string, payload *Payload) Outcome {
	f.sent = append(f.sent, recipient)
	f.sentPayloads = append(f.sentPayloads, payload)
	if len(f.outcomes) == 0 {
		return Delivered()
	}
	out := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return out
}

func (f *fakeChannel) Poll(_ context.Context, taskID string) Outcome {
	f.polled = append(f.polled, taskID)
	return f.pollOutcome
}

// fakeStore keeps action instances in memory.
type fakeStore struct {
	instances map[string]*models.ActionInstance
	inserted  []*models.ActionInstance
}

func newFakeStore() *fakeStore {
	return &fakeStore{instances: make(map[string]*models.ActionInstance)}
}

func (f *fakeStore) Insert(_ context.Context, instance *models.ActionInstance) error {
	clone := *instance
	f.instances[instance.ID] = &clone
	f.inserted = append(f.inserted, &clone)
	return nil
}

func (f *fakeStore) Update(_ context.Context, instance *models.ActionInstance) error {
	if _, ok := f.instances[instance.ID]; !ok {
		return ErrInstanceNotFound
	}
	clone := *instance
	f.instances[instance.ID] = &clone
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*models.ActionInstance, error) {
	instance, ok := f.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return instance, nil
}

func (f *fakeStore) CountAttempts(_ context.Context, alertID string, actionConfigID int64) (int, error) {
	count := 0
	for _, instance := range f.instances {
		if instance.ActionConfigID != actionConfigID {
			continue
		}
		for _, id := range instance.AlertIDs {
			if id == alertID {
				count++
				break
			}
		}
	}
	return count, nil
}

func (f *fakeStore) ListPolling(_ context.Context) ([]*models.ActionInstance, error) {
	var out []*models.ActionInstance
	for _, instance := range f.instances {
		if instance.Status == models.ActionStatusRunning && instance.ExternalTaskID != "" {
			out = append(out, instance)
		}
	}
	return out, nil
}

// fakeApprover scripts ticket creation and state answers.
type fakeApprover struct {
	nextTicket string
	createErr  error
	states     map[string]string
	created    []*Payload
}

func (f *fakeApprover) CreateTicket(_ context.Context, payload *Payload) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, payload)
	return f.nextTicket, nil
}

func (f *fakeApprover) State(_ context.Context, ticketID string) (string, error) {
	state, ok := f.states[ticketID]
	if !ok {
		return "", errors.New("unknown ticket " + ticketID)
	}
	return state, nil
}

// fakeCatalogStore serves user groups and action configs for the catalog
// cache.
type fakeCatalogStore struct {
	groups  map[int64]*models.UserGroup
	actions map[int64]*models.ActionConfig
}

func (f *fakeCatalogStore) LoadStrategies(context.Context) (map[int64]*models.Strategy, error) {
	return nil, nil
}
func (f *fakeCatalogStore) LoadShields(context.Context) ([]*models.Shield, error) {
	return nil, nil
}
func (f *fakeCatalogStore) LoadUserGroups(context.Context) (map[int64]*models.UserGroup, error) {
	return f.groups, nil
}
func (f *fakeCatalogStore) LoadActionConfigs(context.Context) (map[int64]*models.ActionConfig, error) {
	return f.actions, nil
}
func (f *fakeCatalogStore) LoadRouterRules(context.Context) ([]router.Rule, error) {
	return nil, nil
}
func (f *fakeCatalogStore) LoadBizWhitelist(context.Context) (map[int64]bool, error) {
	return nil, nil
}

func newTestCache(groups map[int64]*models.UserGroup, actions map[int64]*models.ActionConfig) *catalog.Cache {
	cache := catalog.NewCache(&fakeCatalogStore{groups: groups, actions: actions}, "default", time.Minute)
	if err := cache.Refresh(context.Background()); err != nil {
		panic(err)
	}
	return cache
}

func testTrigger(signal string) *events.ActionTrigger {
	return &events.ActionTrigger{
		Envelope:    events.Envelope{Type: events.TypeActionTrigger, SchemaVersion: 1},
		AlertID:     "alert-1",
		Fingerprint: "fp-1",
		StrategyID:  42,
		BkBizID:     2,
		Severity:    models.LevelWarning,
		Signal:      signal,
		Time:        1700000000,
	}
}
