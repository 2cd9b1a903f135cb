package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/evergreen-ci/utility"
	"github.com/mongodb/amboy"
	"github.com/mongodb/amboy/queue"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	globalEnv     Environment
	globalEnvLock = &sync.RWMutex{}
)

// GetEnvironment returns the global application level environment. This
// implementation is thread safe, but must be configured before use.
//
// In general you should construct one environment per process and pass
// the Environment through your application; amboy jobs and the CRUD
// helpers in the db package fall back to the global one.
func GetEnvironment() Environment {
	globalEnvLock.RLock()
	defer globalEnvLock.RUnlock()

	return globalEnv
}

func SetEnvironment(env Environment) {
	globalEnvLock.Lock()
	defer globalEnvLock.Unlock()

	globalEnv = env
}

// Environment provides application-level services (database client,
// configuration, the local job queue).
type Environment interface {
	// Settings returns the settings object. It is not necessarily safe
	// for concurrent modification.
	Settings() *Settings

	Client() *mongo.Client
	// DB returns the configured default database.
	DB() *mongo.Database

	// Context returns a context derived from the environment's root
	// context, canceled when the environment is closed.
	Context() (context.Context, context.CancelFunc)

	// LocalQueue is a process-local, memory-backed queue. Results are
	// not durable between restarts.
	LocalQueue() amboy.Queue

	// RegisterCloser adds a function to be called by Close. The name is
	// used in reporting and must be unique.
	RegisterCloser(string, func(context.Context) error)
	// Close calls all registered closers in reverse registration order.
	Close(context.Context) error
}

// NewEnvironment constructs an Environment, connecting to the database and
// starting the local queue.
//
// If confPath is set the settings are read from the file; database
// settings are then overlaid from the MONGO_* environment variables. When db
// is not nil it replaces the database section entirely.
func NewEnvironment(ctx context.Context, confPath string, db *DBSettings) (Environment, error) {
	e := &envState{
		closers: map[string]func(context.Context) error{},
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.initSettings(confPath, db); err != nil {
		e.cancel()
		return nil, errors.WithStack(err)
	}

	catcher := grip.NewBasicCatcher()
	catcher.Add(e.initDB(e.ctx))
	if !catcher.HasErrors() {
		catcher.Add(e.createLocalQueue(e.ctx))
	}
	if catcher.HasErrors() {
		catcher.Add(e.Close(ctx))
		return nil, errors.WithStack(catcher.Resolve())
	}

	grip.Info(message.Fields{
		"message":  "environment configured",
		"database": e.settings.Database.DB,
		"app_name": e.settings.Database.AppName,
	})

	return e, nil
}

type envState struct {
	settings    *Settings
	client      *mongo.Client
	localQueue  amboy.Queue
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.RWMutex
	closers     map[string]func(context.Context) error
	closerOrder []string
}

func (e *envState) initSettings(path string, db *DBSettings) error {
	var err error
	if path != "" {
		e.settings, err = NewSettings(path)
		if err != nil {
			return errors.Wrap(err, "getting settings from file")
		}
	} else {
		e.settings = &Settings{}
	}

	if db != nil {
		e.settings.Database = *db
	} else if err = e.settings.Database.LoadEnv(); err != nil {
		return errors.WithStack(err)
	}

	return errors.Wrap(e.settings.Validate(), "validating settings")
}

func (e *envState) initDB(ctx context.Context) error {
	opts, err := e.settings.Database.ClientOptions()
	if err != nil {
		return errors.Wrap(err, "building client options")
	}

	e.client, err = mongo.Connect(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "connecting to the database")
	}
	e.RegisterCloser("database", func(ctx context.Context) error {
		return errors.Wrap(e.client.Disconnect(ctx), "disconnecting from the database")
	})

	timeout := e.settings.Database.ConnectTimeout()
	err = utility.Retry(ctx, func() (bool, error) {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := e.client.Ping(pingCtx, readpref.Primary()); err != nil {
			grip.Debug(message.WrapError(err, message.Fields{
				"message": "database ping failed",
				"app":     e.settings.Database.AppName,
			}))
			return true, errors.Wrap(err, "pinging the database")
		}
		return false, nil
	}, utility.RetryOptions{
		MaxAttempts: e.settings.Database.PingAttempts,
		MinDelay:    100 * time.Millisecond,
	})

	return errors.Wrap(err, "establishing database connection")
}

func (e *envState) createLocalQueue(ctx context.Context) error {
	e.localQueue = queue.NewLocalLimitedSize(e.settings.Amboy.PoolSizeLocal, e.settings.Amboy.LocalStorage)

	qctx, cancel := context.WithCancel(ctx)
	if err := e.localQueue.Start(qctx); err != nil {
		cancel()
		return errors.Wrap(err, "starting local queue")
	}

	// duration of time in between calls to queue.Stats() within the
	// amboy.Wait* functions.
	const queueWaitInterval = 10 * time.Millisecond

	e.RegisterCloser("local-queue", func(ctx context.Context) error {
		defer cancel()
		if !amboy.WaitInterval(ctx, e.localQueue, queueWaitInterval) {
			grip.Critical(message.Fields{
				"message": "pending jobs failed to finish",
				"queue":   "local",
				"status":  e.localQueue.Stats(ctx),
			})
			return errors.New("failed to stop with running jobs")
		}
		return nil
	})

	return nil
}

func (e *envState) Settings() *Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.settings
}

func (e *envState) Client() *mongo.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.client
}

func (e *envState) DB() *mongo.Database {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.client.Database(e.settings.Database.DB)
}

func (e *envState) Context() (context.Context, context.CancelFunc) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return context.WithCancel(e.ctx)
}

func (e *envState) LocalQueue() amboy.Queue {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.localQueue
}

func (e *envState) RegisterCloser(name string, closer func(context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.closers[name]; !ok {
		e.closerOrder = append(e.closerOrder, name)
	}
	e.closers[name] = closer
}

func (e *envState) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	catcher := grip.NewBasicCatcher()
	for i := len(e.closerOrder) - 1; i >= 0; i-- {
		name := e.closerOrder[i]
		if err := e.closers[name](ctx); err != nil {
			catcher.Wrapf(err, "running closer '%s'", name)
		}
	}
	e.closers = map[string]func(context.Context) error{}
	e.closerOrder = nil
	e.cancel()

	return catcher.Resolve()
}
