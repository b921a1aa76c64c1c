package stores

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"

	flagstate "github.com/goliatone/go-flagstate"
	"github.com/goliatone/go-flagstate/pkg/activity"
	"github.com/goliatone/go-flagstate/pkg/cache"
	"github.com/goliatone/go-flagstate/pkg/gateway"
)

// FeatureList is the feature-list slice of one project environment.
type FeatureList struct {
	Project          int                              `json:"project"`
	Environment      string                           `json:"environment"`
	Flags            []flagstate.ProjectFlag          `json:"flags"`
	States           map[int]flagstate.FeatureState   `json:"states"`
	SegmentOverrides map[int][]flagstate.FeatureState `json:"segment_overrides,omitempty"`
}

// Flag returns the flag with id.
func (l FeatureList) Flag(id int) (flagstate.ProjectFlag, bool) {
	for _, flag := range l.Flags {
		if flag.ID == id {
			return flag, true
		}
	}
	return flagstate.ProjectFlag{}, false
}

// FlagByName returns the flag named name.
func (l FeatureList) FlagByName(name string) (flagstate.ProjectFlag, bool) {
	for _, flag := range l.Flags {
		if flag.Name == name {
			return flag, true
		}
	}
	return flagstate.ProjectFlag{}, false
}

// Evaluate reconciles a flag's environment state with its segment overrides
// and an optional identity override.
func (l FeatureList) Evaluate(featureID int, identityOverride *flagstate.FeatureState) (flagstate.EvaluatedFlag, error) {
	flag, ok := l.Flag(featureID)
	if !ok {
		return flagstate.EvaluatedFlag{}, fmt.Errorf("%w: %d", ErrUnknownFlag, featureID)
	}
	return flagstate.Evaluate(flag, l.States[featureID], l.SegmentOverrides[featureID], identityOverride), nil
}

// SavedMeta accompanies saved events of the feature list.
type SavedMeta struct {
	// CreatedFlag names the flag a create intent produced.
	CreatedFlag string
	// ChangeRequest is set when the edit was routed to a change request.
	ChangeRequest bool
	IsCreate      bool
	// Warning carries a benign server rejection reclassified as success.
	Warning string
}

// FeatureListKey is the cache key of a project environment.
func FeatureListKey(project int, environment string) string {
	return fmt.Sprintf("project/%d/environment/%s", project, environment)
}

// FeatureListStore caches the feature list of the active environment.
type FeatureListStore struct {
	gw    gateway.Gateway
	cache *cache.Cache[FeatureList]
	settings
}

func NewFeatureListStore(gw gateway.Gateway, opts ...Option) *FeatureListStore {
	s := newSettings(opts)
	return &FeatureListStore{
		gw:       requireGateway(gw),
		cache:    newCache[FeatureList]("features", s),
		settings: s,
	}
}

func (s *FeatureListStore) Cache() *cache.Cache[FeatureList] { return s.cache }

// Subscribe registers listener for cache events.
func (s *FeatureListStore) Subscribe(listener cache.Listener) func() {
	return s.cache.Subscribe(listener)
}

// Snapshot returns a copy of the active feature list.
func (s *FeatureListStore) Snapshot() (FeatureList, bool) {
	list, _, ok := s.cache.Snapshot()
	return list, ok
}

// Settle waits for background work started by bus handlers.
func (s *FeatureListStore) Settle() { s.cache.Settle() }

// Load makes the project environment active and fetches its flags and
// feature states in parallel.
func (s *FeatureListStore) Load(ctx context.Context, project int, environment string, force bool) (FeatureList, error) {
	job, err := s.beginLoad(project, environment, force)
	return await(ctx, job, err)
}

func (s *FeatureListStore) beginLoad(project int, environment string, force bool) (cache.Job[FeatureList], error) {
	key := FeatureListKey(project, environment)
	if err := s.cache.Activate(key); err != nil {
		return nil, err
	}
	return func(ctx context.Context) (FeatureList, error) {
		return s.cache.Ensure(ctx, key, force, func(ctx context.Context) (FeatureList, error) {
			return s.fetch(ctx, project, environment)
		})
	}, nil
}

func (s *FeatureListStore) fetch(ctx context.Context, project int, environment string) (FeatureList, error) {
	var (
		flags  []flagstate.ProjectFlag
		states []flagstate.FeatureState
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		flags, err = gateway.GetList[flagstate.ProjectFlag](gctx, s.gw, fmt.Sprintf("projects/%d/features/", project))
		return err
	})
	g.Go(func() error {
		var err error
		states, err = gateway.GetList[flagstate.FeatureState](gctx, s.gw, fmt.Sprintf("environments/%s/featurestates/", environment))
		return err
	})
	if err := g.Wait(); err != nil {
		return FeatureList{}, err
	}

	list := FeatureList{
		Project:          project,
		Environment:      environment,
		Flags:            flags,
		States:           make(map[int]flagstate.FeatureState, len(states)),
		SegmentOverrides: map[int][]flagstate.FeatureState{},
	}
	for _, st := range states {
		switch {
		case st.IsIdentityOverride():
		case st.IsSegmentOverride():
			list.SegmentOverrides[st.Feature] = append(list.SegmentOverrides[st.Feature], st)
		default:
			list.States[st.Feature] = st
		}
	}
	for feature, overrides := range list.SegmentOverrides {
		sortOverrides(overrides)
		list.SegmentOverrides[feature] = overrides
	}
	return list, nil
}

// Refresh reloads project/environment when it is the active list and
// otherwise invalidates its persisted copy so the next Load fetches it.
func (s *FeatureListStore) Refresh(ctx context.Context, project int, environment string) error {
	key := FeatureListKey(project, environment)
	if s.cache.Active() != key {
		return s.cache.Invalidate(ctx, key)
	}
	_, err := s.Load(ctx, project, environment, true)
	return err
}

// active returns the loaded list with its cache key. Mutations carry the
// key so a patch built from one environment never lands on another.
func (s *FeatureListStore) active() (FeatureList, string, error) {
	list, key, ok := s.cache.Snapshot()
	if !ok {
		return FeatureList{}, "", cache.ErrNotLoaded
	}
	return list, key, nil
}

// Problem reports a failure detected outside the store, such as a rejected
// proposal, to its subscribers.
func (s *FeatureListStore) Problem(err error) { s.cache.Problem(err) }

func (s *FeatureListStore) reject(err error) error {
	s.cache.Problem(err)
	return err
}

// CreateFlag creates flag in the active project and adds it, with the
// environment state the server created for it, to the list.
func (s *FeatureListStore) CreateFlag(ctx context.Context, flag flagstate.ProjectFlag) (flagstate.ProjectFlag, error) {
	job, err := s.beginCreateFlag(flag)
	return await(ctx, job, err)
}

func (s *FeatureListStore) beginCreateFlag(flag flagstate.ProjectFlag) (cache.Job[flagstate.ProjectFlag], error) {
	list, key, err := s.active()
	if err != nil {
		return nil, s.reject(err)
	}
	if err := flagstate.ValidateFlag(flag); err != nil {
		return nil, s.reject(err)
	}
	if _, taken := list.FlagByName(flag.Name); taken {
		return nil, s.reject(&flagstate.ValidationError{Field: "name", Reason: flag.Name, Err: flagstate.ErrNameTaken})
	}
	if flag.Type == "" {
		flag.Type = flagstate.FlagTypeStandard
		if flag.IsMultivariate() {
			flag.Type = flagstate.FlagTypeMultivariate
		}
	}
	flag.Project = list.Project

	var created flagstate.ProjectFlag
	job, err := s.cache.Begin(cache.Mutation[FeatureList]{
		Entity: "flag/new:" + flag.Name,
		Key:    key,
		Run: func(ctx context.Context) (cache.Outcome[FeatureList], error) {
			var err error
			created, err = gateway.PostJSON[flagstate.ProjectFlag](ctx, s.gw, fmt.Sprintf("projects/%d/features/", list.Project), flag)
			if err != nil {
				return cache.Outcome[FeatureList]{}, err
			}
			states, err := gateway.GetList[flagstate.FeatureState](ctx, s.gw,
				fmt.Sprintf("environments/%s/featurestates/?feature=%d", list.Environment, created.ID))
			if err != nil {
				return cache.Outcome[FeatureList]{}, err
			}
			return cache.Outcome[FeatureList]{
				Apply: func(current FeatureList) FeatureList {
					current.Flags = append(current.Flags, created)
					for _, st := range states {
						if !st.IsSegmentOverride() && !st.IsIdentityOverride() {
							current.States = ensureStates(current.States)
							current.States[created.ID] = st
						}
					}
					return current
				},
				Meta: SavedMeta{CreatedFlag: created.Name, IsCreate: true},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (flagstate.ProjectFlag, error) {
		if _, err := job(ctx); err != nil {
			return flagstate.ProjectFlag{}, err
		}
		s.record(ctx, activity.BuildFlagEvent(activity.VerbFlagCreated, activity.EventInput{
			ActorID: s.actor, ObjectID: created.ID, Project: list.Project, Environment: list.Environment, Name: created.Name,
		}))
		return created, nil
	}, nil
}

// EditFeature saves the project-level definition of a flag. Multivariate
// options are written first (removed, updated, created), then the flag
// itself. Environment and segment weights are remapped onto the new options.
func (s *FeatureListStore) EditFeature(ctx context.Context, flag flagstate.ProjectFlag) (flagstate.ProjectFlag, error) {
	job, err := s.beginEditFeature(flag)
	return await(ctx, job, err)
}

func (s *FeatureListStore) beginEditFeature(flag flagstate.ProjectFlag) (cache.Job[flagstate.ProjectFlag], error) {
	list, key, err := s.active()
	if err != nil {
		return nil, s.reject(err)
	}
	previous, ok := list.Flag(flag.ID)
	if !ok {
		return nil, s.reject(fmt.Errorf("%w: %d", ErrUnknownFlag, flag.ID))
	}
	if err := flagstate.ValidateFlagEdit(previous, flag); err != nil {
		return nil, s.reject(err)
	}

	base := fmt.Sprintf("projects/%d/features/%d/", list.Project, flag.ID)
	var saved flagstate.ProjectFlag
	job, err := s.cache.Begin(cache.Mutation[FeatureList]{
		Entity: featureEntity(flag.ID),
		Key:    key,
		Run: func(ctx context.Context) (cache.Outcome[FeatureList], error) {
			options, err := s.syncOptions(ctx, base, previous.MultivariateOptions, flag.MultivariateOptions)
			if err != nil {
				return cache.Outcome[FeatureList]{}, err
			}
			next := flag
			next.MultivariateOptions = options

			meta := SavedMeta{}
			saved, err = gateway.PutJSON[flagstate.ProjectFlag](ctx, s.gw, base, next)
			if err != nil {
				warning, err := reclassifyNoChange(next, err)
				if err != nil {
					return cache.Outcome[FeatureList]{}, err
				}
				meta.Warning = warning
				saved = next
			}
			if saved.ID == 0 {
				saved = next
			}
			return cache.Outcome[FeatureList]{
				Apply: func(current FeatureList) FeatureList {
					return applyFlagEdit(current, previous, saved)
				},
				Meta: meta,
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (flagstate.ProjectFlag, error) {
		meta, err := job(ctx)
		if err != nil {
			return flagstate.ProjectFlag{}, err
		}
		if m, ok := meta.(SavedMeta); ok && m.Warning != "" {
			s.logger.Warn("flag edit reported no changes", slog.Int("feature", flag.ID), slog.String("warning", m.Warning))
		}
		s.record(ctx, activity.BuildFlagEvent(activity.VerbFlagUpdated, activity.EventInput{
			ActorID: s.actor, ObjectID: saved.ID, Project: list.Project, Environment: list.Environment, Name: saved.Name,
			Changes: flagChanges(previous, saved),
		}))
		return saved, nil
	}, nil
}

// syncOptions writes option changes and returns the options with server ids.
// The chain stops at the first failure.
func (s *FeatureListStore) syncOptions(ctx context.Context, base string, previous, next []flagstate.MultivariateOption) ([]flagstate.MultivariateOption, error) {
	keep := make(map[int]flagstate.MultivariateOption, len(next))
	for _, option := range next {
		if option.ID != 0 {
			keep[option.ID] = option
		}
	}
	for _, option := range previous {
		if _, ok := keep[option.ID]; ok || option.ID == 0 {
			continue
		}
		if _, err := s.gw.Delete(ctx, fmt.Sprintf("%smv-options/%d/", base, option.ID)); err != nil {
			return nil, fmt.Errorf("stores: remove option %d: %w", option.ID, err)
		}
	}

	before := make(map[int]flagstate.MultivariateOption, len(previous))
	for _, option := range previous {
		before[option.ID] = option
	}
	out := make([]flagstate.MultivariateOption, 0, len(next))
	for _, option := range next {
		switch prior, existed := before[option.ID]; {
		case option.ID == 0:
			created, err := gateway.PostJSON[flagstate.MultivariateOption](ctx, s.gw, base+"mv-options/", option)
			if err != nil {
				return nil, fmt.Errorf("stores: create option: %w", err)
			}
			out = append(out, created)
		case existed && optionEqual(prior, option):
			out = append(out, option)
		default:
			updated, err := gateway.PutJSON[flagstate.MultivariateOption](ctx, s.gw, fmt.Sprintf("%smv-options/%d/", base, option.ID), option)
			if err != nil {
				return nil, fmt.Errorf("stores: update option %d: %w", option.ID, err)
			}
			out = append(out, updated)
		}
	}
	return out, nil
}

// EditEnvironmentState writes a flag's environment state directly.
func (s *FeatureListStore) EditEnvironmentState(ctx context.Context, st flagstate.FeatureState) (flagstate.FeatureState, error) {
	job, err := s.BeginEditEnvironmentState(st, 0, nil)
	return await(ctx, job, err)
}

// BeginEditEnvironmentState validates st and claims its feature before
// returning the job that writes it. With overrides the job continues with
// the segment overrides of environmentID under the same claim; the chain
// stops at the first failure and the list changes only when all of it
// succeeded.
func (s *FeatureListStore) BeginEditEnvironmentState(st flagstate.FeatureState, environmentID int, overrides flagstate.SegmentOverrideEdits) (cache.Job[flagstate.FeatureState], error) {
	list, key, err := s.active()
	if err != nil {
		return nil, s.reject(err)
	}
	flag, ok := list.Flag(st.Feature)
	if !ok {
		return nil, s.reject(fmt.Errorf("%w: %d", ErrUnknownFlag, st.Feature))
	}
	if err := flagstate.ValidateFeatureState(flag, st); err != nil {
		return nil, s.reject(err)
	}
	if err := overrides.Validate(); err != nil {
		return nil, s.reject(err)
	}
	if len(overrides) > 0 && environmentID == 0 {
		return nil, s.reject(&flagstate.ValidationError{Field: "environment", Reason: "segment overrides need an environment id"})
	}
	if st.ID == 0 {
		st.ID = list.States[st.Feature].ID
	}
	previous := list.States[st.Feature]

	var (
		saved     flagstate.FeatureState
		segmented []flagstate.FeatureState
	)
	job, err := s.cache.Begin(cache.Mutation[FeatureList]{
		Entity: featureEntity(st.Feature),
		Key:    key,
		Run: func(ctx context.Context) (cache.Outcome[FeatureList], error) {
			var err error
			if st.ID != 0 {
				saved, err = gateway.PutJSON[flagstate.FeatureState](ctx, s.gw,
					fmt.Sprintf("environments/%s/featurestates/%d/", list.Environment, st.ID), st)
			} else {
				saved, err = gateway.PostJSON[flagstate.FeatureState](ctx, s.gw,
					fmt.Sprintf("environments/%s/featurestates/", list.Environment), st)
			}
			if err != nil {
				return cache.Outcome[FeatureList]{}, err
			}
			if saved.Feature == 0 {
				saved = st
			}
			if len(overrides) > 0 {
				if segmented, err = s.writeOverrides(ctx, environmentID, st.Feature, overrides); err != nil {
					return cache.Outcome[FeatureList]{}, err
				}
			}
			return cache.Outcome[FeatureList]{
				Apply: func(current FeatureList) FeatureList {
					current.States = ensureStates(current.States)
					current.States[saved.Feature] = saved
					if len(overrides) > 0 {
						current = withOverrides(current, saved.Feature, segmented)
					}
					return current
				},
				Meta: SavedMeta{},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (flagstate.FeatureState, error) {
		if _, err := job(ctx); err != nil {
			return flagstate.FeatureState{}, err
		}
		diff := flagstate.DiffStates(saved, previous)
		s.record(ctx, activity.BuildFeatureStateEvent(activity.VerbFeatureStateUpdated, activity.EventInput{
			ActorID: s.actor, ObjectID: saved.ID, Project: list.Project, Environment: list.Environment, Name: flag.Name,
			Changes: map[string]any{"enabled": diff.EnabledChanged, "value": diff.ValueChanged, "variations": len(diff.VariationChanges)},
		}))
		if len(overrides) > 0 {
			s.recordOverrides(ctx, list, flag, segmented, overrides)
		}
		return saved, nil
	}, nil
}

// Toggle flips the environment state of featureID.
func (s *FeatureListStore) Toggle(ctx context.Context, featureID int) (flagstate.FeatureState, error) {
	list, _, err := s.active()
	if err != nil {
		return flagstate.FeatureState{}, s.reject(err)
	}
	st, ok := list.States[featureID]
	if !ok {
		return flagstate.FeatureState{}, s.reject(fmt.Errorf("%w: no environment state for %d", ErrUnknownFlag, featureID))
	}
	st.Enabled = !st.Enabled
	return s.EditEnvironmentState(ctx, st)
}

// RemoveFlag deletes a flag from the project.
func (s *FeatureListStore) RemoveFlag(ctx context.Context, flagID int) error {
	job, err := s.beginRemoveFlag(flagID)
	_, err = await(ctx, job, err)
	return err
}

func (s *FeatureListStore) beginRemoveFlag(flagID int) (cache.Job[struct{}], error) {
	list, key, err := s.active()
	if err != nil {
		return nil, s.reject(err)
	}
	flag, ok := list.Flag(flagID)
	if !ok {
		return nil, s.reject(fmt.Errorf("%w: %d", ErrUnknownFlag, flagID))
	}
	job, err := s.cache.Begin(cache.Mutation[FeatureList]{
		Entity: featureEntity(flagID),
		Key:    key,
		Run: func(ctx context.Context) (cache.Outcome[FeatureList], error) {
			if _, err := s.gw.Delete(ctx, fmt.Sprintf("projects/%d/features/%d/", list.Project, flagID)); err != nil {
				return cache.Outcome[FeatureList]{}, err
			}
			return cache.Outcome[FeatureList]{
				Apply: func(current FeatureList) FeatureList {
					current.Flags = slices.DeleteFunc(current.Flags, func(f flagstate.ProjectFlag) bool { return f.ID == flagID })
					delete(current.States, flagID)
					delete(current.SegmentOverrides, flagID)
					return current
				},
				Meta: SavedMeta{},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (struct{}, error) {
		if _, err := job(ctx); err != nil {
			return struct{}{}, err
		}
		s.record(ctx, activity.BuildFlagEvent(activity.VerbFlagRemoved, activity.EventInput{
			ActorID: s.actor, ObjectID: flagID, Project: list.Project, Environment: list.Environment, Name: flag.Name,
		}))
		return struct{}{}, nil
	}, nil
}

// BeginProposeChangeRequest claims the feature and returns the job that runs
// propose under that claim and emits saved with ChangeRequest set. The list
// itself is not changed; the proposal becomes live only when committed.
func (s *FeatureListStore) BeginProposeChangeRequest(featureID int, propose func(context.Context) (flagstate.ChangeRequest, error)) (cache.Job[flagstate.ChangeRequest], error) {
	var out flagstate.ChangeRequest
	job, err := s.cache.Begin(cache.Mutation[FeatureList]{
		Entity: featureEntity(featureID),
		Run: func(ctx context.Context) (cache.Outcome[FeatureList], error) {
			var err error
			out, err = propose(ctx)
			if err != nil {
				return cache.Outcome[FeatureList]{}, err
			}
			return cache.Outcome[FeatureList]{Meta: SavedMeta{ChangeRequest: true}}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (flagstate.ChangeRequest, error) {
		_, err := job(ctx)
		return out, err
	}, nil
}

// reclassifyNoChange turns the server's "no changes" rejection into a warning
// for multivariate flags, whose option writes may already have persisted
// everything the final request would have changed.
func reclassifyNoChange(flag flagstate.ProjectFlag, err error) (string, error) {
	if err == nil {
		return "", nil
	}
	if flag.IsMultivariate() && gateway.IsNoChange(err) {
		message := "no changes"
		if gwErr := gateway.Normalize(err); gwErr != nil && gwErr.Message() != "" {
			message = gwErr.Message()
		}
		return message, nil
	}
	return "", err
}

func applyFlagEdit(current FeatureList, previous, saved flagstate.ProjectFlag) FeatureList {
	for i, flag := range current.Flags {
		if flag.ID == saved.ID {
			current.Flags[i] = saved
		}
	}
	if st, ok := current.States[saved.ID]; ok {
		st.MultivariateFeatureStateValues = flagstate.RemapWeights(previous.MultivariateOptions, saved.MultivariateOptions, st.MultivariateFeatureStateValues)
		current.States[saved.ID] = st
	}
	for i, override := range current.SegmentOverrides[saved.ID] {
		override.MultivariateFeatureStateValues = flagstate.RemapWeights(previous.MultivariateOptions, saved.MultivariateOptions, override.MultivariateFeatureStateValues)
		current.SegmentOverrides[saved.ID][i] = override
	}
	return current
}

func flagChanges(previous, next flagstate.ProjectFlag) map[string]any {
	changes := map[string]any{}
	if previous.Description != next.Description {
		changes["description"] = next.Description
	}
	if previous.IsArchived != next.IsArchived {
		changes["is_archived"] = next.IsArchived
	}
	if previous.IsServerKeyOnly != next.IsServerKeyOnly {
		changes["is_server_key_only"] = next.IsServerKeyOnly
	}
	if !previous.InitialValue.Equal(next.InitialValue) {
		changes["initial_value"] = next.InitialValue.Interface()
	}
	if len(previous.MultivariateOptions) != len(next.MultivariateOptions) {
		changes["multivariate_options"] = len(next.MultivariateOptions)
	}
	changes["control_weight"] = flagstate.ControlWeight(next.MultivariateOptions)
	return changes
}

func optionEqual(a, b flagstate.MultivariateOption) bool {
	return a.ID == b.ID &&
		a.DefaultPercentageAllocation == b.DefaultPercentageAllocation &&
		a.Value().Equal(b.Value())
}

func ensureStates(states map[int]flagstate.FeatureState) map[int]flagstate.FeatureState {
	if states == nil {
		return map[int]flagstate.FeatureState{}
	}
	return states
}

func sortOverrides(overrides []flagstate.FeatureState) {
	sort.SliceStable(overrides, func(i, j int) bool {
		return overrides[i].FeatureSegment.Priority < overrides[j].FeatureSegment.Priority
	})
}

// SaveSegmentOverrides persists the full ordered override list of a feature.
// Removed entries are deleted, new entries get a feature segment and a state,
// existing ones are updated, and the final order is written as a dense
// priority ranking. The chain stops at the first failure.
func (s *FeatureListStore) SaveSegmentOverrides(ctx context.Context, environmentID, featureID int, edits flagstate.SegmentOverrideEdits) ([]flagstate.FeatureState, error) {
	job, err := s.beginSaveSegmentOverrides(environmentID, featureID, edits)
	return await(ctx, job, err)
}

func (s *FeatureListStore) beginSaveSegmentOverrides(environmentID, featureID int, edits flagstate.SegmentOverrideEdits) (cache.Job[[]flagstate.FeatureState], error) {
	list, key, err := s.active()
	if err != nil {
		return nil, s.reject(err)
	}
	flag, ok := list.Flag(featureID)
	if !ok {
		return nil, s.reject(fmt.Errorf("%w: %d", ErrUnknownFlag, featureID))
	}
	if err := edits.Validate(); err != nil {
		return nil, s.reject(err)
	}

	var saved []flagstate.FeatureState
	job, err := s.cache.Begin(cache.Mutation[FeatureList]{
		Entity: featureEntity(featureID),
		Key:    key,
		Run: func(ctx context.Context) (cache.Outcome[FeatureList], error) {
			var err error
			if saved, err = s.writeOverrides(ctx, environmentID, featureID, edits); err != nil {
				return cache.Outcome[FeatureList]{}, err
			}
			return cache.Outcome[FeatureList]{
				Apply: func(current FeatureList) FeatureList {
					return withOverrides(current, featureID, saved)
				},
				Meta: SavedMeta{},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) ([]flagstate.FeatureState, error) {
		if _, err := job(ctx); err != nil {
			return nil, err
		}
		s.recordOverrides(ctx, list, flag, saved, edits)
		return saved, nil
	}, nil
}

// writeOverrides runs the override chain and returns the persisted states in
// their final order.
func (s *FeatureListStore) writeOverrides(ctx context.Context, environmentID, featureID int, edits flagstate.SegmentOverrideEdits) ([]flagstate.FeatureState, error) {
	for _, edit := range edits.Removed() {
		if _, err := s.gw.Delete(ctx, fmt.Sprintf("features/feature-segments/%d/", edit.FeatureSegmentID)); err != nil {
			return nil, fmt.Errorf("stores: remove segment override %d: %w", edit.Segment, err)
		}
	}

	persisted := append(flagstate.SegmentOverrideEdits(nil), edits...)
	wire := edits.ToWire(featureID, environmentID)
	saved := make([]flagstate.FeatureState, 0, len(wire))
	w := 0
	for i, edit := range persisted {
		if edit.ToRemove {
			continue
		}
		st := wire[w]
		w++
		next, err := s.saveOverride(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("stores: save segment override %d: %w", edit.Segment, err)
		}
		persisted[i].FeatureSegmentID = next.FeatureSegment.ID
		persisted[i].StateID = next.ID
		saved = append(saved, next)
	}

	if priorities := persisted.Priorities(); len(priorities) > 0 {
		if _, err := s.gw.Post(ctx, "features/feature-segments/update-priorities/", priorities); err != nil {
			return nil, fmt.Errorf("stores: update priorities: %w", err)
		}
	}
	return saved, nil
}

func withOverrides(current FeatureList, featureID int, saved []flagstate.FeatureState) FeatureList {
	if current.SegmentOverrides == nil {
		current.SegmentOverrides = map[int][]flagstate.FeatureState{}
	}
	current.SegmentOverrides[featureID] = saved
	return current
}

func (s *FeatureListStore) recordOverrides(ctx context.Context, list FeatureList, flag flagstate.ProjectFlag, saved []flagstate.FeatureState, edits flagstate.SegmentOverrideEdits) {
	s.record(ctx, activity.BuildFeatureStateEvent(activity.VerbSegmentsReordered, activity.EventInput{
		ActorID: s.actor, ObjectID: flag.ID, Project: list.Project, Environment: list.Environment, Name: flag.Name,
		Changes: map[string]any{"overrides": len(saved), "removed": len(edits.Removed())},
	}))
}

func (s *FeatureListStore) saveOverride(ctx context.Context, st flagstate.FeatureState) (flagstate.FeatureState, error) {
	segment := *st.FeatureSegment
	if segment.ID == 0 {
		created, err := gateway.PostJSON[flagstate.FeatureSegment](ctx, s.gw, "features/feature-segments/", segment)
		if err != nil {
			return flagstate.FeatureState{}, err
		}
		if created.ID == 0 {
			return flagstate.FeatureState{}, fmt.Errorf("stores: feature segment for segment %d returned no id", segment.Segment)
		}
		segment.ID = created.ID
		st.FeatureSegment = &segment
	}

	var (
		out flagstate.FeatureState
		err error
	)
	if st.ID == 0 {
		out, err = gateway.PostJSON[flagstate.FeatureState](ctx, s.gw, "features/featurestates/", st)
	} else {
		out, err = gateway.PutJSON[flagstate.FeatureState](ctx, s.gw, fmt.Sprintf("features/featurestates/%d/", st.ID), st)
	}
	if err != nil {
		return flagstate.FeatureState{}, err
	}
	if out.Feature == 0 {
		out = st
	}
	if out.FeatureSegment == nil || out.FeatureSegment.ID == 0 {
		out.FeatureSegment = &segment
	}
	return out, nil
}
