// Package onboarding walks users through the workflow definition.
//
// Engine decides each transition and performs its side effects (grants,
// messages, identity writes) but never arms timers: every call returns an
// Action describing the continuation. Driver consumes those actions and
// schedules the follow-up jobs.
package onboarding

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"bagbot/internal/external"
	"bagbot/internal/types"
	"bagbot/internal/workflow"
)

// Default pacing between steps.
const (
	DefaultStepDelay    = 4 * time.Second
	DefaultWelcomeDelay = 10 * time.Second
	DefaultStarterItems = 3
)

// DefinitionSource returns the workflow in effect. *workflow.Store
// implements it.
type DefinitionSource interface {
	Current() *workflow.Definition
}

// Valuer prices an inventory. *catalog.Cache implements it.
type Valuer interface {
	NetWorth(ctx context.Context, inventory []types.InventoryItem) (float64, error)
}

// Metrics receives onboarding progress. Implementations must not block.
type Metrics interface {
	RecordStarted(ctx context.Context, source types.TriggerSource)
	RecordStepEntered(ctx context.Context, step string)
	RecordItemsGranted(ctx context.Context, step string, count int)
	RecordCompleted(ctx context.Context)
	RecordCheckFailed(ctx context.Context, step string)
}

type noopMetrics struct{}

func (noopMetrics) RecordStarted(context.Context, types.TriggerSource) {}
func (noopMetrics) RecordStepEntered(context.Context, string) {}
func (noopMetrics) RecordItemsGranted(context.Context, string, int) {}
func (noopMetrics) RecordCompleted(context.Context) {}
func (noopMetrics) RecordCheckFailed(context.Context, string) {}

// Config holds the dependencies for creating an Engine.
type Config struct {
	Workflow  DefinitionSource
	Identity  external.IdentityStore
	Inventory external.Inventory
	Messenger external.Messenger
	Valuer    Valuer
	Metrics   Metrics
	Logger    *slog.Logger

	StepDelay    time.Duration
	WelcomeDelay time.Duration
	// StarterItems is how many distinct randomGive items welcome grants.
	StarterItems int
	// Rand returns a uniform integer in [0, n). Defaults to math/rand.
	Rand func(n int) int
}

// Request asks the engine to move a user forward.
type Request struct {
	UserID string
	// NextStep overrides the current step's next.
	NextStep string
	// Event marks a passive re-entry caused by the user's chat activity.
	// Passive events are ignored on steps with neither checks nor pause.
	Event bool
	// ExpectedStep, when set, is the step the user must still be on. A user
	// who has moved on since the request was made is left alone.
	ExpectedStep string
}

// Engine is the onboarding interpreter.
type Engine struct {
	workflow  DefinitionSource
	identity  external.IdentityStore
	inventory external.Inventory
	messenger external.Messenger
	valuer    Valuer
	metrics   Metrics
	logger    *slog.Logger

	stepDelay    time.Duration
	welcomeDelay time.Duration
	starterItems int
	rand         func(n int) int

	locks *userLocks
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	stepDelay := cfg.StepDelay
	if stepDelay <= 0 {
		stepDelay = DefaultStepDelay
	}
	welcomeDelay := cfg.WelcomeDelay
	if welcomeDelay <= 0 {
		welcomeDelay = DefaultWelcomeDelay
	}
	starters := cfg.StarterItems
	if starters <= 0 {
		starters = DefaultStarterItems
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.Intn
	}
	return &Engine{
		workflow:     cfg.Workflow,
		identity:     cfg.Identity,
		inventory:    cfg.Inventory,
		messenger:    cfg.Messenger,
		valuer:       cfg.Valuer,
		metrics:      metrics,
		logger:       logger,
		stepDelay:    stepDelay,
		welcomeDelay: welcomeDelay,
		starterItems: starters,
		rand:         rnd,
		locks:        newUserLocks(),
	}
}

// Welcome starts onboarding for a user who has not begun it. It grants the
// starter items, enters the introduction step and returns the continuation.
// A user who already started or finished gets a conflict error and nothing
// else happens.
func (e *Engine) Welcome(ctx context.Context, userID string) (Action, error) {
	if userID == "" {
		return Action{}, types.NewAppError(types.ErrCodeValidationInvalidUser, "user ID is required", nil)
	}
	unlock := e.locks.lock(userID)
	defer unlock()

	logger := e.logger.With("user_id", userID, "trigger", types.GetTriggerSource(ctx))

	state, err := e.state(ctx, userID)
	if err != nil {
		return Action{}, err
	}
	if state.Started() {
		logger.InfoContext(ctx, "welcome skipped, onboarding already underway",
			"status", state.Status,
			"step", state.Step,
		)
		return Action{}, types.NewAppErrorWithDetails(
			types.ErrCodeConflictOnboardingStarted,
			"user has already started onboarding",
			nil,
			map[string]any{"status": string(state.Status), "step": state.Step},
		)
	}

	intro := e.workflow.Current().Introduction()
	starters := e.pickStarters(intro.RandomGive)

	logger.InfoContext(ctx, "welcoming user", "starter_items", len(starters))
	e.metrics.RecordStarted(ctx, types.GetTriggerSource(ctx))
	return e.enter(ctx, logger, userID, intro, starters, e.welcomeDelay)
}

// Step performs one transition from the user's persisted step.
func (e *Engine) Step(ctx context.Context, req Request) (Action, error) {
	if req.UserID == "" {
		return Action{}, types.NewAppError(types.ErrCodeValidationInvalidUser, "user ID is required", nil)
	}
	unlock := e.locks.lock(req.UserID)
	defer unlock()

	logger := e.logger.With("user_id", req.UserID, "trigger", types.GetTriggerSource(ctx))
	def := e.workflow.Current()

	state, err := e.state(ctx, req.UserID)
	if err != nil {
		return Action{}, err
	}
	if state.Completed() {
		logger.InfoContext(ctx, "user has already completed onboarding")
		return Terminate(ReasonAlreadyCompleted), nil
	}
	if !state.Started() {
		logger.DebugContext(ctx, "user has not started onboarding")
		return Terminate(ReasonNotStarted), nil
	}
	if req.ExpectedStep != "" && state.Step != req.ExpectedStep {
		logger.InfoContext(ctx, "stale continuation skipped",
			"expected_step", req.ExpectedStep,
			"step", state.Step,
		)
		return Terminate(ReasonStale), nil
	}

	current, ok := def.Step(state.Step)
	if !ok {
		return Action{}, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundStep,
			fmt.Sprintf("current step %q is not defined in the workflow", state.Step),
			nil,
			map[string]any{"step": state.Step},
		)
	}

	target := req.NextStep
	if target == "" {
		target = current.Next
	}
	if target == types.StepCompleted {
		logger.InfoContext(ctx, "user has already completed onboarding", "step", current.Name)
		return Terminate(ReasonAlreadyCompleted), nil
	}

	if req.Event && len(current.Checks) == 0 && !current.Pause {
		logger.DebugContext(ctx, "passive event ignored", "step", current.Name)
		return Terminate(ReasonPassiveIgnored), nil
	}

	target, passed, err := e.evaluateChecks(ctx, logger, req.UserID, current, target)
	if err != nil {
		return Action{}, err
	}
	if !passed {
		return AwaitEvent(0, ReasonCheckFailed).At(current.Name), nil
	}

	if target == types.StepCompleted {
		if err := e.persist(ctx, req.UserID, types.OnboardingState{Status: types.OnboardingCompleted, Step: types.StepCompleted}); err != nil {
			return Action{}, err
		}
		logger.InfoContext(ctx, "user has completed onboarding", "step", current.Name)
		e.metrics.RecordCompleted(ctx)
		return Terminate(ReasonCompleted), nil
	}

	next, ok := def.Step(target)
	if !ok {
		return Action{}, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundStep,
			fmt.Sprintf("step %q is not defined in the workflow", target),
			nil,
			map[string]any{"step": target},
		)
	}

	logger.InfoContext(ctx, "advancing onboarding", "from", current.Name, "step", next.Name)
	return e.enter(ctx, logger, req.UserID, next, nil, e.stepDelay)
}

// evaluateChecks runs the step's checks in order. It returns the possibly
// redirected target and whether the user may advance.
func (e *Engine) evaluateChecks(ctx context.Context, logger *slog.Logger, userID string, step *workflow.Step, target string) (string, bool, error) {
	if len(step.Checks) == 0 {
		return target, true, nil
	}

	inventory, err := e.inventory.GetInventory(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("get inventory for checks: %w", err)
	}

	var worth *float64
	for i, check := range step.Checks {
		switch c := check.(type) {
		case workflow.NetWorthCheck:
			if worth == nil {
				if e.valuer == nil {
					return "", false, types.NewAppError(types.ErrCodeInternalUnexpected, "net worth check without a valuer", nil)
				}
				w, err := e.valuer.NetWorth(ctx, inventory)
				if err != nil {
					return "", false, fmt.Errorf("value inventory: %w", err)
				}
				worth = &w
			}
			if c.Matches(*worth) {
				logger.InfoContext(ctx, "net worth check matched",
					"step", step.Name,
					"check", i,
					"net_worth", *worth,
					"next", c.Next,
				)
				return c.Next, true, nil
			}

		case workflow.ResourceCheck:
			missing := c.Missing(heldQuantity(inventory, c.Item))
			if missing > 0 {
				logger.InfoContext(ctx, "resource check failed",
					"step", step.Name,
					"item", c.Item,
					"missing", missing,
				)
				e.metrics.RecordCheckFailed(ctx, step.Name)
				e.post(ctx, logger, userID, c.Message(missing))
				return "", false, nil
			}
			if c.Next != "" {
				return c.Next, true, nil
			}
		}
	}
	return target, true, nil
}

// enter performs the side effects of entering step and decides the
// continuation. Completion is written exactly once, when the entered step's
// next is "completed".
func (e *Engine) enter(ctx context.Context, logger *slog.Logger, userID string, step *workflow.Step, extra []types.ItemGrant, delay time.Duration) (Action, error) {
	text := step.Text
	grants := make([]types.ItemGrant, 0, len(extra)+len(step.Give))
	grants = append(grants, extra...)
	grants = append(grants, step.Give...)

	if n := len(step.RandomReplace); n > 0 {
		choice := step.RandomReplace[e.rand(n)]
		text = choice.Apply(text)
		grants = append(grants, choice.Give...)
	}

	if len(grants) > 0 {
		if err := e.inventory.GrantItems(ctx, userID, grants, text); err != nil {
			return Action{}, fmt.Errorf("grant items for step %q: %w", step.Name, err)
		}
		e.metrics.RecordItemsGranted(ctx, step.Name, totalQuantity(grants))
	}

	e.post(ctx, logger, userID, text)

	if step.Completes() {
		if err := e.persist(ctx, userID, types.OnboardingState{Status: types.OnboardingCompleted, Step: types.StepCompleted}); err != nil {
			return Action{}, err
		}
		logger.InfoContext(ctx, "user has completed onboarding", "step", step.Name)
		e.metrics.RecordStepEntered(ctx, step.Name)
		e.metrics.RecordCompleted(ctx)
		return Terminate(ReasonCompleted), nil
	}

	if err := e.persist(ctx, userID, types.OnboardingState{Status: types.OnboardingStarted, Step: step.Name}); err != nil {
		return Action{}, err
	}
	e.metrics.RecordStepEntered(ctx, step.Name)

	if step.Pause {
		return AwaitEvent(step.WaitTime, ReasonPaused).At(step.Name), nil
	}
	return Advance(step.Next, delay).At(step.Name), nil
}

func (e *Engine) state(ctx context.Context, userID string) (types.OnboardingState, error) {
	meta, err := e.identity.GetMetadata(ctx, userID)
	if err != nil {
		return types.OnboardingState{}, fmt.Errorf("get onboarding state: %w", err)
	}
	return types.OnboardingStateFrom(meta), nil
}

func (e *Engine) persist(ctx context.Context, userID string, state types.OnboardingState) error {
	if _, err := e.identity.UpdateMetadata(ctx, userID, state.Metadata()); err != nil {
		return fmt.Errorf("persist onboarding state %s/%s: %w", state.Status, state.Step, err)
	}
	return nil
}

// post sends text to the user. Delivery failures are logged and do not undo
// the transition, whose grants have already been issued.
func (e *Engine) post(ctx context.Context, logger *slog.Logger, userID, text string) {
	if text == "" || e.messenger == nil {
		return
	}
	if err := e.messenger.PostMessage(ctx, userID, text); err != nil {
		logger.ErrorContext(ctx, "failed to send onboarding message", "error", err)
	}
}

// pickStarters returns up to starterItems distinct names drawn uniformly from
// pool, each granted once.
func (e *Engine) pickStarters(pool []string) []types.ItemGrant {
	seen := make(map[string]bool, len(pool))
	names := make([]string, 0, len(pool))
	for _, name := range pool {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	n := min(e.starterItems, len(names))
	grants := make([]types.ItemGrant, 0, n)
	for i := 0; i < n; i++ {
		j := i + e.rand(len(names)-i)
		names[i], names[j] = names[j], names[i]
		grants = append(grants, types.ItemGrant{Name: names[i], Quantity: 1})
	}
	return grants
}

func totalQuantity(grants []types.ItemGrant) int {
	total := 0
	for _, g := range grants {
		total += g.Quantity
	}
	return total
}

func heldQuantity(inventory []types.InventoryItem, name string) int {
	total := 0
	for _, item := range inventory {
		if item.Name == name {
			total += item.Quantity
		}
	}
	return total
}
