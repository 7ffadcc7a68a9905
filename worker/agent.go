package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"swarm/config"
	"swarm/metrics"
	"swarm/openai"
	"swarm/protocol"
)

// errTaskAborted is returned to the engine stream once a task was removed.
var errTaskAborted = errors.New("task aborted")

// Agent connects a local inference engine to the router: it reports the
// engine's health, executes assigned tasks and relays their output.
type Agent struct {
	cfg    config.WorkerConfig
	engine *Engine
	log    zerolog.Logger

	// polling is set while a health probe is outstanding.
	polling atomic.Bool
	// announce serializes config/status sends so the router never sees a
	// stale status after a newer one.
	announce sync.Mutex

	mu          sync.Mutex
	status      protocol.Status
	polledModel string
	conn        *protocol.Conn
	tasks       map[string]*runningTask
}

// NewAgent creates an Agent. It starts offline.
func NewAgent(cfg config.WorkerConfig, engine *Engine, log zerolog.Logger) *Agent {
	return &Agent{
		cfg:    cfg,
		engine: engine,
		log:    log,
		status: protocol.StatusOffline,
		tasks:  make(map[string]*runningTask),
	}
}

// Run polls the engine and keeps the link to the router up until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.pollLoop(ctx)
		return nil
	})
	g.Go(func() error {
		a.linkLoop(ctx)
		return nil
	})
	return g.Wait()
}

// Status returns the last observed engine health.
func (a *Agent) Status() protocol.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PingInterval.D())
	defer ticker.Stop()

	a.tryPoll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tryPoll(ctx)
		}
	}
}

// tryPoll starts a probe unless one is still outstanding.
func (a *Agent) tryPoll(ctx context.Context) {
	if !a.polling.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer a.polling.Store(false)
		a.poll(ctx)
	}()
}

func (a *Agent) poll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.PollTimeout.D())
	defer cancel()

	status := protocol.StatusOffline
	var modelID string
	models, err := a.engine.Models(probeCtx)
	if ctx.Err() != nil {
		return
	}
	switch {
	case err != nil:
		a.log.Debug().Err(err).Msg("engine probe failed")
	case len(models) == 0:
		a.log.Debug().Msg("engine serves no model")
	default:
		status = protocol.StatusOnline
		modelID = models[0].ID
	}
	a.setHealth(status, modelID)
}

// setHealth records a probe result and tells the router about changes.
func (a *Agent) setHealth(status protocol.Status, modelID string) {
	a.announce.Lock()
	defer a.announce.Unlock()

	a.mu.Lock()
	statusChanged := a.status != status
	a.status = status
	configChanged := false
	if modelID != "" && modelID != a.polledModel {
		a.polledModel = modelID
		configChanged = a.cfg.Model.ID == ""
	}
	cfg := a.configLocked()
	conn := a.conn
	a.mu.Unlock()

	if statusChanged {
		a.log.Info().Str("status", string(status)).Str("model", modelID).Msg("engine status changed")
		if status == protocol.StatusOnline {
			metrics.WorkerOnline.Set(1)
		} else {
			metrics.WorkerOnline.Set(0)
		}
	}
	if conn == nil {
		return
	}
	if configChanged {
		a.send(conn, cfg)
	}
	if statusChanged {
		a.send(conn, protocol.StatusMessage{Status: status})
	}
}

// configLocked is the capability advertised to the router. A model id left
// empty in the configuration is filled from the engine.
func (a *Agent) configLocked() protocol.ConfigMessage {
	model := a.cfg.Model
	if model.ID == "" {
		model.ID = a.polledModel
	}
	return protocol.ConfigMessage{Model: model, GPU: a.cfg.GPU, Memory: a.cfg.Memory}
}

// modelLocked is the model id sent to the engine.
func (a *Agent) modelLocked() string {
	if a.polledModel != "" {
		return a.polledModel
	}
	return a.cfg.Model.ID
}

func (a *Agent) send(conn *protocol.Conn, msg protocol.Message) {
	if err := conn.Send(msg); err != nil {
		a.log.Warn().Err(err).Str("type", string(msg.Type())).Msg("send to router")
	}
}

func (a *Agent) linkLoop(ctx context.Context) {
	for {
		err := a.serveLink(ctx)
		if ctx.Err() != nil {
			return
		}
		a.log.Warn().Err(err).Str("router", a.cfg.RouterURL).
			Dur("retry_in", a.cfg.ReconnectInterval.D()).Msg("link to router lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.ReconnectInterval.D()):
		}
	}
}

// serveLink runs one connection to the router until it fails.
func (a *Agent) serveLink(ctx context.Context) error {
	conn, err := protocol.Dial(ctx, a.cfg.RouterURL, nil)
	if err != nil {
		return err
	}
	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn.KeepAlive(linkCtx, a.cfg.LinkPingPeriod.D())
	go func() {
		<-linkCtx.Done()
		_ = conn.Close()
	}()

	a.attach(conn)
	defer a.detach(conn)
	a.log.Info().Str("router", a.cfg.RouterURL).Msg("connected to router")

	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				a.log.Warn().Err(err).Msg("skipping malformed message")
				continue
			}
			return err
		}
		switch m := msg.(type) {
		case protocol.AddTaskMessage:
			a.addTask(ctx, conn, m)
		case protocol.RemoveTaskMessage:
			a.removeTask(m.Key)
		default:
			a.log.Warn().Str("type", string(msg.Type())).Msg("unexpected message from router")
		}
	}
}

// attach makes conn the active link and announces config then status.
func (a *Agent) attach(conn *protocol.Conn) {
	a.announce.Lock()
	defer a.announce.Unlock()

	a.mu.Lock()
	a.conn = conn
	cfg := a.configLocked()
	status := a.status
	a.mu.Unlock()

	if cfg.Model.ID != "" {
		a.send(conn, cfg)
	}
	a.send(conn, protocol.StatusMessage{Status: status})
}

// detach drops conn and aborts every running task; the router has already
// failed their sessions.
func (a *Agent) detach(conn *protocol.Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	tasks := a.tasks
	a.tasks = make(map[string]*runningTask)
	a.mu.Unlock()

	for _, t := range tasks {
		t.abort()
	}
	if len(tasks) > 0 {
		a.log.Warn().Int("tasks", len(tasks)).Msg("aborted running tasks after link loss")
	}
}

func (a *Agent) addTask(ctx context.Context, conn *protocol.Conn, m protocol.AddTaskMessage) {
	log := a.log.With().Str("key", m.Key).Logger()

	a.mu.Lock()
	if _, dup := a.tasks[m.Key]; dup || m.Key == "" {
		a.mu.Unlock()
		log.Error().Msg("add_task: invalid key")
		return
	}

	var taskCtx context.Context
	var cancel context.CancelFunc
	if timeout := a.cfg.TaskTimeout.D(); timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	t := &runningTask{
		key:    m.Key,
		conn:   conn,
		cancel: cancel,
		buf:    newOutputBuffer(a.cfg.OutputInterval.D(), time.Now()),
	}
	a.tasks[m.Key] = t
	req := a.engineRequest(m, a.modelLocked())
	a.mu.Unlock()

	metrics.WorkerRunningTasks.Inc()
	go a.execute(taskCtx, t, req, log)
}

func (a *Agent) removeTask(key string) {
	a.mu.Lock()
	t, ok := a.tasks[key]
	delete(a.tasks, key)
	a.mu.Unlock()

	if ok {
		t.abort()
		a.log.Info().Str("key", key).Msg("task removed")
	}
}

func (a *Agent) forget(t *runningTask) {
	a.mu.Lock()
	if a.tasks[t.key] == t {
		delete(a.tasks, t.key)
	}
	a.mu.Unlock()
}

func (a *Agent) engineRequest(m protocol.AddTaskMessage, model string) openai.ChatCompletionRequest {
	temperature := m.Temperature
	if temperature == nil {
		v := a.cfg.Temperature()
		temperature = &v
	}
	return openai.ChatCompletionRequest{
		Model:            model,
		Messages:         m.Messages,
		MaxTokens:        m.MaxTokens,
		Temperature:      temperature,
		TopP:             m.TopP,
		Stop:             openai.StringList(m.Stop),
		PresencePenalty:  m.PresencePenalty,
		FrequencyPenalty: m.FrequencyPenalty,
		Stream:           true,
	}
}

// execute streams the engine response for t and relays it. Engine failures
// drop the task without telling the router.
func (a *Agent) execute(ctx context.Context, t *runningTask, req openai.ChatCompletionRequest, log zerolog.Logger) {
	defer metrics.WorkerRunningTasks.Dec()
	defer t.cancel()
	defer a.forget(t)

	start := time.Now()
	err := a.engine.Execute(ctx, req, func(content string) error {
		return t.push(content, time.Now())
	})
	if err != nil {
		if errors.Is(err, errTaskAborted) || errors.Is(err, context.Canceled) {
			log.Debug().Msg("task aborted")
			return
		}
		log.Warn().Err(err).Msg("engine request failed, dropping task")
		return
	}

	tokens, err := t.finish(time.Now())
	if err != nil {
		if !errors.Is(err, errTaskAborted) {
			log.Warn().Err(err).Msg("send final output")
		}
		return
	}
	log.Info().Int("tokens", tokens).Dur("elapsed", time.Since(start)).Msg("task finished")
}

// runningTask is a task executing against the engine. Its mutex makes
// emission and abort mutually exclusive: nothing is sent after abort returns.
type runningTask struct {
	key    string
	conn   *protocol.Conn
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	buf     *outputBuffer
}

func (t *runningTask) push(fragment string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return errTaskAborted
	}
	out, reason, ok := t.buf.add(fragment, now)
	if !ok {
		return nil
	}
	return t.sendLocked(protocol.OutputMessage{Key: t.key, Output: out}, reason)
}

func (t *runningTask) finish(now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return 0, errTaskAborted
	}
	t.stopped = true
	tokens := t.buf.tokens()
	return tokens, t.sendLocked(protocol.OutputMessage{
		Key:    t.key,
		Output: t.buf.take(now),
		Done:   true,
		Tokens: tokens,
	}, flushFinal)
}

func (t *runningTask) sendLocked(msg protocol.OutputMessage, reason string) error {
	if err := t.conn.Send(msg); err != nil {
		return err
	}
	metrics.WorkerFlushes.WithLabelValues(reason).Inc()
	return nil
}

func (t *runningTask) abort() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.cancel()
}
