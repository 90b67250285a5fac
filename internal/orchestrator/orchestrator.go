// Package orchestrator drives threads through the request lifecycle. It
// decides which stage runs in which state, persists every transition to the
// thread store, mirrors it to the ticket log and tells the requester and the
// operators about it.
//
// An Orchestrator is not safe for concurrent use by multiple drivers; run it
// behind a Queue so that stage side effects (file edits in one working tree)
// never interleave.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/crafter/internal/metrics"
	"github.com/h1v3-io/crafter/internal/pipeline"
	"github.com/h1v3-io/crafter/internal/thread"
	"github.com/h1v3-io/crafter/internal/ticketlog"
	"github.com/h1v3-io/crafter/pkg/protocol"
)

// DefaultMaxFixPasses bounds the REVIEW → CODING loop.
const DefaultMaxFixPasses = 2

// Differ produces the diff of the working tree the Coder edits. Snapshot is
// taken before a thread's first coding pass; Diff reports what changed since.
type Differ interface {
	Snapshot(ctx context.Context) (string, error)
	Diff(ctx context.Context, base string) (string, error)
}

// ContextSource supplies the repository context given to the stages.
type ContextSource interface {
	Rules() string
	Tree() (string, error)
}

// Notifier is told about every transition. Errors are logged and ignored.
type Notifier interface {
	Notify(ctx context.Context, t protocol.Transition) error
}

// Replier answers the requester. It decides itself which transitions
// deserve a reply. Errors are logged and ignored.
type Replier interface {
	Reply(ctx context.Context, t protocol.Transition) error
}

// Config holds the tunables of an Orchestrator.
type Config struct {
	MaxFixPasses int
	RemindAfter  time.Duration
}

// Orchestrator sequences the pipeline stages for each thread.
type Orchestrator struct {
	tracker *thread.Tracker
	log     *ticketlog.Log
	stages  pipeline.Stages
	differ  Differ
	project ContextSource

	notifier Notifier
	replier  Replier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }
func WithReplier(r Replier) Option { return func(o *Orchestrator) { o.replier = r } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }
func WithProject(p ContextSource) Option { return func(o *Orchestrator) { o.project = p } }
func WithConfig(c Config) Option { return func(o *Orchestrator) { o.cfg = c } }

// New creates an Orchestrator.
func New(tracker *thread.Tracker, log *ticketlog.Log, stages pipeline.Stages, differ Differ, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tracker: tracker,
		log:     log,
		stages:  stages,
		differ:  differ,
		logger:  slog.Default(),
		now:     time.Now,
		cfg:     Config{MaxFixPasses: DefaultMaxFixPasses},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxFixPasses < 0 {
		o.cfg.MaxFixPasses = 0
	}
	return o
}

// Tracker returns the thread tracker.
func (o *Orchestrator) Tracker() *thread.Tracker { return o.tracker }

// HandleInbound routes one inbound message: a new request starts a thread and
// runs it up to the approval wait, a reply to a thread awaiting approval is an
// approval or a rejection with feedback, and a message for a thread stuck
// mid-pipeline resumes it. It returns the thread id the message was
// attributed to.
func (o *Orchestrator) HandleInbound(ctx context.Context, req protocol.Request) (string, error) {
	id, rec, dup, err := o.delivered(req.MessageID)
	if err != nil {
		return "", err
	}
	if dup {
		logger := o.logger.With("thread", id, "message_id", req.MessageID)
		if rec.State == protocol.StateAwaitingApproval || rec.State.Terminal() {
			logger.Info("duplicate message ignored", "state", rec.State)
			return id, nil
		}
		logger.Info("duplicate message for in-flight thread, resuming", "state", rec.State)
		return id, o.Resume(ctx, id)
	}

	id, rec, err = o.resolve(req)
	if err != nil {
		return "", err
	}
	logger := o.logger.With("thread", id)

	switch {
	case rec == nil:
		if err := o.start(id, req, o.refTicket(req)); err != nil {
			return id, err
		}
		logger.Info("new request", "from", req.From, "subject", req.Subject)
		return id, o.Resume(ctx, id)
	case rec.State == protocol.StateNew:
		return id, o.Resume(ctx, id)
	}

	// Remember the latest message so replies thread under it.
	if req.MessageID != "" {
		if _, err := o.tracker.UpdateState(id, rec.State, thread.Update{
			Extra: map[string]string{
				protocol.ExtraMessageID: req.MessageID,
				protocol.ExtraSeen:      strings.Join(append(seenMessages(rec), req.MessageID), " "),
			},
		}); err != nil {
			return id, err
		}
	}

	switch rec.State {
	case protocol.StateAwaitingApproval:
		if IsApproval(req.Body) {
			logger.Info("plan approved by reply", "from", req.From)
			return id, o.Approve(ctx, id)
		}
		logger.Info("plan rejected by reply", "from", req.From)
		return id, o.Reject(ctx, id, ReplyText(req.Body))
	default:
		logger.Info("message for in-flight thread, resuming", "state", rec.State)
		return id, o.Resume(ctx, id)
	}
}

// delivered finds the thread that already handled msgID. Transports deliver
// at least once, so a repeat must not be read as a new reply.
func (o *Orchestrator) delivered(msgID string) (string, *protocol.ThreadRecord, bool, error) {
	if msgID == "" {
		return "", nil, false, nil
	}
	entries, err := o.tracker.List()
	if err != nil {
		return "", nil, false, err
	}
	for _, e := range entries {
		if e.ID == msgID || slices.Contains(seenMessages(e.Record), msgID) {
			return e.ID, e.Record, true, nil
		}
	}
	return "", nil, false, nil
}

func seenMessages(rec *protocol.ThreadRecord) []string {
	return strings.Fields(rec.Get(protocol.ExtraSeen))
}

// resolve maps a message to a thread id and its current record (nil when the
// thread is new). A message that lands on a terminal thread opens a new one.
func (o *Orchestrator) resolve(req protocol.Request) (string, *protocol.ThreadRecord, error) {
	for _, candidate := range []string{req.ThreadID, req.InReplyTo} {
		if candidate == "" {
			continue
		}
		rec, ok, err := o.tracker.Record(candidate)
		if err != nil {
			return "", nil, err
		}
		if ok && !rec.State.Terminal() {
			return candidate, rec, nil
		}
	}
	if id, ok := o.tracker.FindThreadIDBySubject(req.Subject); ok {
		rec, ok, err := o.tracker.Record(id)
		if err != nil {
			return "", nil, err
		}
		if ok {
			return id, rec, nil
		}
	}

	// New thread: prefer the transport's ids so later replies correlate,
	// unless they already belong to a finished thread.
	for _, candidate := range []string{req.ThreadID, req.MessageID} {
		if candidate == "" {
			continue
		}
		rec, ok, err := o.tracker.Record(candidate)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			return candidate, nil, nil
		}
		if rec.State == protocol.StateNew {
			return candidate, rec, nil
		}
	}
	return uuid.NewString(), nil, nil
}

// refTicket finds the ticket of a finished thread this message follows up
// on: by transport id first, then by the most recent finished thread with the
// same normalized subject.
func (o *Orchestrator) refTicket(req protocol.Request) string {
	for _, candidate := range []string{req.ThreadID, req.InReplyTo, req.MessageID} {
		if candidate == "" {
			continue
		}
		if rec, ok, err := o.tracker.Record(candidate); err == nil && ok && rec.State.Terminal() {
			return rec.TicketID
		}
	}
	subject := thread.NormalizeSubject(req.Subject)
	if subject == "" {
		return ""
	}
	entries, err := o.tracker.List()
	if err != nil {
		return ""
	}
	for i := len(entries) - 1; i >= 0; i-- {
		rec := entries[i].Record
		if rec.State.Terminal() && thread.NormalizeSubject(rec.Title) == subject {
			return rec.TicketID
		}
	}
	return ""
}

func (o *Orchestrator) start(id string, req protocol.Request, ref string) error {
	extra := map[string]string{
		protocol.ExtraRequest:     strings.TrimSpace(req.Body),
		protocol.ExtraRequestedBy: req.From,
		protocol.ExtraMessageID:   req.MessageID,
	}
	if req.MessageID != "" {
		extra[protocol.ExtraSeen] = req.MessageID
	}
	if ref != "" {
		extra[protocol.ExtraRefTicket] = ref
	}
	title := strings.TrimSpace(req.Subject)
	if title == "" {
		title = firstLine(req.Body)
	}
	rec, err := o.tracker.StartThread(id, protocol.StateNew, thread.Update{Title: title, Extra: extra})
	if err != nil {
		return fmt.Errorf("start thread: %w", err)
	}
	created := rec.CreatedAt
	if !req.ReceivedAt.IsZero() {
		created = req.ReceivedAt
	}
	o.mirror(ticketlog.Input{
		TicketID:    rec.TicketID,
		Title:       rec.Title,
		RequestedBy: req.From,
		Status:      string(protocol.StateNew),
		CreatedAt:   created,
	})
	return nil
}

// Approve moves a thread awaiting approval to CODING and runs it to the end.
func (o *Orchestrator) Approve(ctx context.Context, id string) error {
	rec, err := o.record(id)
	if err != nil {
		return err
	}
	if rec.Plan == "" {
		return fmt.Errorf("%w: thread %s has no plan to approve", ErrInvalidTransition, id)
	}
	if err := checkTransition(rec.State, protocol.StateCoding); err != nil {
		return fmt.Errorf("thread %s: %w", id, err)
	}
	// The baseline keeps edits left by earlier threads out of this review.
	baseline, err := o.differ.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("thread %s: snapshot working tree: %w", id, err)
	}
	if _, err := o.transition(ctx, id, rec, protocol.StateCoding, thread.Update{
		Extra: map[string]string{
			protocol.ExtraFeedback:  "",
			protocol.ExtraFixPasses: "0",
			protocol.ExtraBaseline:  baseline,
		},
	}); err != nil {
		return err
	}
	return o.Resume(ctx, id)
}

// Reject sends a thread awaiting approval back to planning with feedback.
func (o *Orchestrator) Reject(ctx context.Context, id, feedback string) error {
	rec, err := o.record(id)
	if err != nil {
		return err
	}
	if _, err := o.transition(ctx, id, rec, protocol.StatePlanProposed, thread.Update{
		Extra: map[string]string{protocol.ExtraFeedback: strings.TrimSpace(feedback)},
	}); err != nil {
		return err
	}
	return o.Resume(ctx, id)
}

// Resume runs the thread from its persisted state until it waits for a human
// or reaches a terminal state. A failing stage leaves the persisted state as
// it was, so calling Resume again retries exactly that stage.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	for {
		rec, err := o.record(id)
		if err != nil {
			return err
		}
		var next *protocol.ThreadRecord
		switch rec.State {
		case protocol.StateNew:
			next, err = o.transition(ctx, id, rec, protocol.StateSanitizing, thread.Update{})
		case protocol.StateSanitizing:
			next, err = o.sanitize(ctx, id, rec)
		case protocol.StatePlanProposed:
			next, err = o.plan(ctx, id, rec)
		case protocol.StateCoding:
			next, err = o.code(ctx, id, rec)
		case protocol.StateReview:
			next, err = o.review(ctx, id, rec)
		default:
			// AWAITING_APPROVAL waits for a human; terminal states are done.
			return nil
		}
		if err != nil {
			o.logger.Error("stage failed, thread left in place", "thread", id, "state", rec.State, "error", err)
			return err
		}
		o.logger.Debug("stage done", "thread", id, "from", rec.State, "to", next.State)
	}
}

func (o *Orchestrator) sanitize(ctx context.Context, id string, rec *protocol.ThreadRecord) (*protocol.ThreadRecord, error) {
	var verdict pipeline.Verdict
	err := o.runStage(protocol.StageSentinel, func() (err error) {
		verdict, err = o.stages.Sentinel.Screen(ctx, rec.Get(protocol.ExtraRequest))
		return err
	})
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed() {
		return o.transition(ctx, id, rec, protocol.StateBlocked, thread.Update{
			Extra: map[string]string{protocol.ExtraReason: verdict.Reason, protocol.ExtraSanitized: ""},
		})
	}
	return o.transition(ctx, id, rec, protocol.StatePlanProposed, thread.Update{
		Extra: map[string]string{protocol.ExtraSanitized: verdict.SanitizedInput, protocol.ExtraReason: verdict.Reason},
	})
}

func (o *Orchestrator) plan(ctx context.Context, id string, rec *protocol.ThreadRecord) (*protocol.ThreadRecord, error) {
	in := pipeline.PlanInput{
		Request:  rec.Get(protocol.ExtraSanitized),
		Feedback: rec.Get(protocol.ExtraFeedback),
	}
	if in.Request == "" {
		in.Request = rec.Get(protocol.ExtraRequest)
	}
	if in.Feedback != "" {
		in.PriorPlan = rec.Plan
	}
	if o.project != nil {
		in.Rules = o.project.Rules()
		tree, err := o.project.Tree()
		if err != nil {
			o.logger.Warn("repo tree unavailable", "thread", id, "error", err)
		}
		in.Tree = tree
	}

	var plan string
	err := o.runStage(protocol.StagePlanner, func() (err error) {
		plan, err = o.stages.Planner.Plan(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return o.transition(ctx, id, rec, protocol.StateAwaitingApproval, thread.Update{Plan: plan})
}

func (o *Orchestrator) code(ctx context.Context, id string, rec *protocol.ThreadRecord) (*protocol.ThreadRecord, error) {
	if rec.Get(protocol.ExtraBaseline) == "" {
		// Entered CODING without Approve recording a baseline.
		baseline, err := o.differ.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot working tree: %w", err)
		}
		if rec, err = o.tracker.UpdateState(id, rec.State, thread.Update{
			Extra: map[string]string{protocol.ExtraBaseline: baseline},
		}); err != nil {
			return nil, err
		}
	}
	in := pipeline.CodeInput{Plan: rec.Plan, Feedback: rec.Get(protocol.ExtraFeedback)}
	if o.project != nil {
		in.Rules = o.project.Rules()
	}
	var summary string
	err := o.runStage(protocol.StageCoder, func() (err error) {
		summary, err = o.stages.Coder.Apply(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return o.transition(ctx, id, rec, protocol.StateReview, thread.Update{
		Extra: map[string]string{protocol.ExtraDiffSummary: summary},
	})
}

func (o *Orchestrator) review(ctx context.Context, id string, rec *protocol.ThreadRecord) (*protocol.ThreadRecord, error) {
	diff, err := o.differ.Diff(ctx, rec.Get(protocol.ExtraBaseline))
	if err != nil {
		return nil, fmt.Errorf("compute diff: %w", err)
	}
	in := pipeline.ReviewInput{Diff: diff, Plan: rec.Plan}
	if o.project != nil {
		in.Rules = o.project.Rules()
	}
	var report pipeline.Report
	err = o.runStage(protocol.StageReviewer, func() (err error) {
		report, err = o.stages.Reviewer.Review(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	if report.Clean {
		return o.transition(ctx, id, rec, protocol.StateCompleted, thread.Update{
			Extra: map[string]string{protocol.ExtraReview: report.Text},
		})
	}

	passes, _ := strconv.Atoi(rec.Get(protocol.ExtraFixPasses))
	if passes >= o.cfg.MaxFixPasses {
		return o.transition(ctx, id, rec, protocol.StateBlocked, thread.Update{
			Extra: map[string]string{
				protocol.ExtraReview: report.Text,
				protocol.ExtraReason: fmt.Sprintf("Review still requests fixes after %d fix-up pass(es)", passes),
			},
		})
	}
	return o.transition(ctx, id, rec, protocol.StateCoding, thread.Update{
		Extra: map[string]string{
			protocol.ExtraReview:    report.Text,
			protocol.ExtraFeedback:  report.Text,
			protocol.ExtraFixPasses: strconv.Itoa(passes + 1),
		},
	})
}

// transition validates and persists a state change, then mirrors it to the
// ticket log, metrics, operators and the requester.
func (o *Orchestrator) transition(ctx context.Context, id string, rec *protocol.ThreadRecord, to protocol.State, u thread.Update) (*protocol.ThreadRecord, error) {
	from := rec.State
	if err := checkTransition(from, to); err != nil {
		return nil, fmt.Errorf("thread %s: %w", id, err)
	}
	next, err := o.tracker.UpdateState(id, to, u)
	if err != nil {
		return nil, fmt.Errorf("thread %s: persist %s: %w", id, to, err)
	}
	o.logger.Info("thread transition", "thread", id, "ticket", next.TicketID, "from", from, "to", to)

	in := ticketlog.Input{TicketID: next.TicketID, Status: string(to)}
	if url := next.Get(protocol.ExtraPRURL); url != "" {
		in.PRURL = &url
	}
	o.mirror(in)
	o.metrics.Transition(from, to)
	o.announce(ctx, protocol.TransitionFrom(id, from, next))
	return next, nil
}

func (o *Orchestrator) announce(ctx context.Context, t protocol.Transition) {
	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, t); err != nil {
			o.logger.Warn("notify failed", "thread", t.ThreadID, "error", err)
		}
	}
	if o.replier != nil {
		if err := o.replier.Reply(ctx, t); err != nil {
			o.logger.Warn("reply failed", "thread", t.ThreadID, "error", err)
		}
	}
}

// mirror writes to the ticket log. The log is a derived view; failures are
// logged and repaired by Reconcile.
func (o *Orchestrator) mirror(in ticketlog.Input) {
	if o.log == nil {
		return
	}
	if err := o.log.LogTicket(in); err != nil {
		o.logger.Warn("ticket log write failed", "ticket", in.TicketID, "error", err)
	}
}

func (o *Orchestrator) runStage(stage protocol.Stage, fn func() error) error {
	start := o.now()
	err := fn()
	o.metrics.ObserveStage(stage, o.now().Sub(start), err)
	return err
}

func (o *Orchestrator) record(id string) (*protocol.ThreadRecord, error) {
	rec, ok, err := o.tracker.Record(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownThread, id)
	}
	return rec, nil
}

func firstLine(s string) string {
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			return truncateUTF8(l, 80)
		}
	}
	return ""
}
