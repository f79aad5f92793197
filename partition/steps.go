package partition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/jrife/grouse/engine"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/exporter"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/stream"
	"go.uber.org/zap"
)

// TransitionSteps returns the steps of a role transition in the
// order they run
func TransitionSteps() []Step {
	return []Step{
		&logStorageStep{},
		&snapshotStoreStep{},
		&stateStoreStep{},
		&streamProcessorStep{},
		&snapshotDirectorStep{},
		&exporterDirectorStep{},
		&logDeletionStep{},
		&timersStep{},
	}
}

// raftWriter proposes batches to the partition's raft node
type raftWriter struct {
	tc *TransitionContext
}

func (writer raftWriter) Propose(ctx context.Context, data []byte) error {
	return writer.tc.Raft.Propose(data)
}

// logStorageStep hands out the log. Only the leader may write.
type logStorageStep struct{}

func (step *logStorageStep) Name() string {
	return "LogStorage"
}

func (step *logStorageStep) Prepare(ctx context.Context, tc *TransitionContext, target Role) error {
	if target != RoleInactive && (tc.Log == nil || tc.Raft == nil) {
		return errors.New("log is not open")
	}

	return nil
}

func (step *logStorageStep) Commit(ctx context.Context, tc *TransitionContext, target Role) error {
	tc.logStorageReady = target != RoleInactive
	tc.Writer = nil

	if target == RoleLeader {
		tc.Writer = raftWriter{tc: tc}
	}

	return nil
}

func (step *logStorageStep) Rollback(ctx context.Context, tc *TransitionContext, prior Role) error {
	return step.Commit(ctx, tc, prior)
}

// snapshotStoreStep checks the integrity of the latest snapshot
// before the partition first becomes active
type snapshotStoreStep struct{}

func (step *snapshotStoreStep) Name() string {
	return "SnapshotStore"
}

func (step *snapshotStoreStep) Prepare(ctx context.Context, tc *TransitionContext, target Role) error {
	if target == RoleInactive || tc.snapshotsOK {
		return nil
	}

	if tc.SnapshotStore == nil {
		return errors.New("snapshot store is not open")
	}

	if latest, ok := tc.SnapshotStore.Latest(); ok {
		if err := latest.Verify(); err != nil {
			return fmt.Errorf("snapshot %s: %w", latest.ID(), err)
		}
	}

	return nil
}

func (step *snapshotStoreStep) Commit(ctx context.Context, tc *TransitionContext, target Role) error {
	tc.snapshotsOK = target != RoleInactive

	return nil
}

func (step *snapshotStoreStep) Rollback(ctx context.Context, tc *TransitionContext, prior Role) error {
	tc.snapshotsOK = prior != RoleInactive

	return nil
}

// stateStoreStep rebuilds the state from the latest snapshot when
// it may hold effects that were never committed or when it is
// behind the snapshot
type stateStoreStep struct {
	rebuild bool
}

func (step *stateStoreStep) Name() string {
	return "StateStore"
}

func (step *stateStoreStep) Prepare(ctx context.Context, tc *TransitionContext, target Role) error {
	step.rebuild = false

	if target == RoleInactive {
		return nil
	}

	if tc.StateStore() == nil {
		return errors.New("state store is not open")
	}

	if tc.Role == RoleLeader {
		step.rebuild = true

		return nil
	}

	behind, err := stateBehindSnapshot(tc)

	if err != nil {
		return err
	}

	step.rebuild = behind

	return nil
}

func (step *stateStoreStep) Commit(ctx context.Context, tc *TransitionContext, target Role) error {
	if !step.rebuild {
		return nil
	}

	return RestoreState(ctx, tc.StartupContext)
}

// Rollback keeps the rebuilt state: it only holds committed effects
// and is valid for any role
func (step *stateStoreStep) Rollback(ctx context.Context, tc *TransitionContext, prior Role) error {
	return nil
}

func stateBehindSnapshot(tc *TransitionContext) (bool, error) {
	latest, ok := tc.SnapshotStore.Latest()

	if !ok {
		return false, nil
	}

	var applied uint64

	err := tc.StateStore().View(func(transaction kv.Transaction) error {
		applied = state.New(transaction).AppliedIndex()

		return nil
	})

	if err != nil {
		return false, fmt.Errorf("could not read applied index: %w", err)
	}

	return applied < latest.ID().Index, nil
}

// RestoreState replaces the state with the latest snapshot or with
// an empty state if there is none
func RestoreState(ctx context.Context, sc *StartupContext) error {
	var reader io.ReadCloser = io.NopCloser(bytes.NewReader(nil))
	id := "empty"

	if latest, ok := sc.SnapshotStore.Latest(); ok {
		var err error

		if reader, err = latest.Open(); err != nil {
			return fmt.Errorf("could not open snapshot %s: %w", latest.ID(), err)
		}

		id = latest.ID().String()
	}

	defer reader.Close()

	if err := sc.StateStore().ApplySnapshot(ctx, reader); err != nil {
		return fmt.Errorf("could not restore state from snapshot %s: %w", id, err)
	}

	sc.Logger.Info("restored state", zap.String("snapshot", id))

	return nil
}

// streamProcessorStep replays the log into the state and, on the
// leader, processes commands
type streamProcessorStep struct {
	next *stream.Processor
}

func (step *streamProcessorStep) Name() string {
	return "StreamProcessor"
}

func (step *streamProcessorStep) Quiesce(ctx context.Context, tc *TransitionContext) error {
	if tc.Processor != nil {
		tc.Processor.StopProcessing()
	}

	return nil
}

func (step *streamProcessorStep) Resume(ctx context.Context, tc *TransitionContext) error {
	if tc.Processor == nil || tc.Role != RoleLeader || tc.Processor.Mode() == stream.ModeProcessing {
		return nil
	}

	if err := tc.Processor.StartProcessing(ctx, tc.Writer); err != nil {
		return fmt.Errorf("could not resume processing: %w", err)
	}

	return nil
}

func (step *streamProcessorStep) Prepare(ctx context.Context, tc *TransitionContext, target Role) error {
	step.next = nil

	if target == RoleInactive {
		return nil
	}

	step.next = stream.New(stream.Config{
		Engine: engine.New(engine.Config{
			PartitionID: tc.PartitionID,
			Logger:      tc.Logger,
			Now:         tc.Settings.Now,
		}),
		Store:   tc.StateStore(),
		Logger:  tc.Logger,
		Metrics: tc.Metrics,
	})

	return nil
}

func (step *streamProcessorStep) Commit(ctx context.Context, tc *TransitionContext, target Role) error {
	processor := step.next
	step.next = nil

	if processor != nil {
		if err := processor.Recover(ctx, tc.Log, tc.AppliedIndex); err != nil {
			return fmt.Errorf("could not recover state: %w", err)
		}
	}

	if tc.Processor != nil {
		tc.Processor.Pause()
	}

	tc.Processor = processor

	if target == RoleLeader {
		if err := processor.StartProcessing(ctx, tc.Writer); err != nil {
			return fmt.Errorf("could not start processing: %w", err)
		}
	}

	return nil
}

func (step *streamProcessorStep) Rollback(ctx context.Context, tc *TransitionContext, prior Role) error {
	if err := step.Prepare(ctx, tc, prior); err != nil {
		return err
	}

	return step.Commit(ctx, tc, prior)
}

// snapshotDirectorStep takes snapshots periodically on every active
// replica
type snapshotDirectorStep struct {
	timer *Timer
}

func (step *snapshotDirectorStep) Name() string {
	return "SnapshotDirector"
}

func (step *snapshotDirectorStep) Prepare(ctx context.Context, tc *TransitionContext, target Role) error {
	if step.timer != nil {
		step.timer.Cancel()
		step.timer = nil
	}

	return nil
}

func (step *snapshotDirectorStep) Commit(ctx context.Context, tc *TransitionContext, target Role) error {
	tc.SnapshotDirector = nil

	if target == RoleInactive {
		return nil
	}

	if tc.Processor == nil {
		return errors.New("stream processor is not running")
	}

	director := NewSnapshotDirector(SnapshotDirectorConfig{
		Store:       tc.SnapshotStore,
		State:       tc.StateStore(),
		Log:         tc.Log,
		Processor:   tc.Processor,
		Deletion:    tc.DeletionService(),
		ExporterIDs: tc.Settings.ExporterIDs,
		Logger:      tc.Logger,
		Metrics:     tc.Metrics,
	})
	tc.SnapshotDirector = director

	if tc.Settings.SnapshotPeriod > 0 {
		step.timer = tc.Scheduler.RunAtFixedRate(tc.Settings.SnapshotPeriod, func() {
			if _, err := director.TakeSnapshot(context.Background()); err != nil {
				tc.Logger.Error("could not take snapshot", zap.Error(err))
			}
		})
	}

	return nil
}

func (step *snapshotDirectorStep) Rollback(ctx context.Context, tc *TransitionContext, prior Role) error {
	if err := step.Prepare(ctx, tc, prior); err != nil {
		return err
	}

	return step.Commit(ctx, tc, prior)
}

// exporterDirectorStep runs the exporters on the leader
type exporterDirectorStep struct {
	next []exporter.Named
}

func (step *exporterDirectorStep) Name() string {
	return "ExporterDirector"
}

func (step *exporterDirectorStep) Prepare(ctx context.Context, tc *TransitionContext, target Role) error {
	step.next = nil

	if target != RoleLeader || tc.Settings.Exporters == nil {
		return nil
	}

	exporters, err := tc.Settings.Exporters()

	if err != nil {
		return fmt.Errorf("could not create exporters: %w", err)
	}

	step.next = exporters

	return nil
}

func (step *exporterDirectorStep) Commit(ctx context.Context, tc *TransitionContext, target Role) error {
	if tc.ExporterDirector != nil {
		if err := tc.ExporterDirector.Close(); err != nil {
			tc.Logger.Warn("could not close exporters", zap.Error(err))
		}

		tc.ExporterDirector = nil
	}

	if target != RoleLeader {
		return nil
	}

	if tc.Processor == nil {
		return errors.New("stream processor is not running")
	}

	director := exporter.NewDirector(exporter.DirectorConfig{
		PartitionID: tc.PartitionID,
		Exporters:   step.next,
		Logger:      tc.Logger,
		Metrics:     tc.Metrics,
	})
	step.next = nil

	var positions map[string]protocol.Position

	err := tc.Processor.Query(func(st *state.State) error {
		positions = st.ExporterPositions()

		return nil
	})

	if err != nil {
		return fmt.Errorf("could not read exporter positions: %w", err)
	}

	if err := director.Open(ctx, positions); err != nil {
		director.Close()

		return err
	}

	if err := director.CatchUp(ctx, tc.Log, tc.AppliedIndex); err != nil {
		director.Close()

		return err
	}

	tc.ExporterDirector = director

	return nil
}

func (step *exporterDirectorStep) Rollback(ctx context.Context, tc *TransitionContext, prior Role) error {
	if err := step.Prepare(ctx, tc, prior); err != nil {
		return err
	}

	return step.Commit(ctx, tc, prior)
}

// logDeletionStep enables log compaction on active replicas
type logDeletionStep struct{}

func (step *logDeletionStep) Name() string {
	return "LogDeletion"
}

func (step *logDeletionStep) Prepare(ctx context.Context, tc *TransitionContext, target Role) error {
	if target != RoleInactive && tc.DeletionService() == nil {
		return errors.New("log deletion service is not running")
	}

	return nil
}

func (step *logDeletionStep) Commit(ctx context.Context, tc *TransitionContext, target Role) error {
	if service := tc.DeletionService(); service != nil {
		service.SetEnabled(target != RoleInactive)
	}

	return nil
}

func (step *logDeletionStep) Rollback(ctx context.Context, tc *TransitionContext, prior Role) error {
	return step.Commit(ctx, tc, prior)
}

// timersStep schedules the metrics timer and, on the leader, the
// distribution of exporter positions
type timersStep struct{}

func (step *timersStep) Name() string {
	return "Timers"
}

func (step *timersStep) Prepare(ctx context.Context, tc *TransitionContext, target Role) error {
	if timer := tc.MetricsTimer(); timer != nil {
		timer.Cancel()
		tc.SetMetricsTimer(nil)
	}

	if tc.exporterTimer != nil {
		tc.exporterTimer.Cancel()
		tc.exporterTimer = nil
	}

	return nil
}

func (step *timersStep) Commit(ctx context.Context, tc *TransitionContext, target Role) error {
	if target == RoleInactive {
		tc.Metrics.SetRole(int(RoleInactive))

		return nil
	}

	tc.Metrics.SetRole(int(target))

	if tc.Settings.MetricsPeriod > 0 {
		tc.SetMetricsTimer(tc.Scheduler.RunAtFixedRate(tc.Settings.MetricsPeriod, func() {
			updateMetrics(tc)
		}))
	}

	if target == RoleLeader && tc.Settings.ExporterPositionPeriod > 0 {
		tc.exporterTimer = tc.Scheduler.RunAtFixedRate(tc.Settings.ExporterPositionPeriod, func() {
			if err := DistributeExporterPositions(context.Background(), tc); err != nil {
				tc.Logger.Warn("could not distribute exporter positions", zap.Error(err))
			}
		})
	}

	return nil
}

func (step *timersStep) Rollback(ctx context.Context, tc *TransitionContext, prior Role) error {
	if err := step.Prepare(ctx, tc, prior); err != nil {
		return err
	}

	return step.Commit(ctx, tc, prior)
}

func updateMetrics(tc *TransitionContext) {
	tc.Metrics.SetRole(int(tc.Role))

	if tc.Processor == nil {
		return
	}

	if position, err := tc.Processor.LastProcessedPosition(); err == nil {
		tc.Metrics.SetLastProcessedPosition(uint64(position))
	}
}

// DistributeExporterPositions appends the positions the leader's
// exporters acknowledged since they were last distributed. Followers
// apply them so that every replica compacts the same prefix.
func DistributeExporterPositions(ctx context.Context, tc *TransitionContext) error {
	if tc.ExporterDirector == nil || tc.Processor == nil || tc.Writer == nil {
		return nil
	}

	var known map[string]protocol.Position

	err := tc.Processor.Query(func(st *state.State) error {
		known = st.ExporterPositions()

		return nil
	})

	if err != nil {
		return err
	}

	var records []protocol.Record
	acknowledged := tc.ExporterDirector.Positions()

	for _, id := range sortedKeys(acknowledged) {
		if acknowledged[id] <= known[id] {
			continue
		}

		records = append(records, protocol.Record{
			Key:         -1,
			Timestamp:   tc.Settings.now().UnixMilli(),
			PartitionID: tc.PartitionID,
			RecordType:  protocol.Event,
			ValueType:   protocol.ValueTypeExporter,
			Intent:      protocol.ExporterPositionUpdated,
			Value:       &protocol.ExporterRecord{ExporterID: id, Position: acknowledged[id]},
		})
	}

	if len(records) == 0 {
		return nil
	}

	data, err := protocol.EncodeBatch(protocol.Batch{Records: records})

	if err != nil {
		return err
	}

	return tc.Writer.Propose(ctx, data)
}

func sortedKeys(positions map[string]protocol.Position) []string {
	keys := make([]string, 0, len(positions))

	for key := range positions {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
