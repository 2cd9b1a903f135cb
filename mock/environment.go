package mock

import (
	"context"
	"sync"

	"github.com/evergreen-ci/docstore"
	"github.com/mongodb/amboy"
	"github.com/mongodb/amboy/queue"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

// this is just a hack to ensure that compile breaks clearly if the
// mock implementation diverges from the interface
var _ docstore.Environment = &Environment{}

// Environment is an in-process docstore.Environment. Client and Database
// are nil unless a test sets them.
type Environment struct {
	DocstoreSettings *docstore.Settings
	MongoClient      *mongo.Client
	Database         string
	Local            amboy.Queue

	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.RWMutex
	closers     map[string]func(context.Context) error
	closerOrder []string
}

// Configure fills in default settings and starts a small local queue.
func (e *Environment) Configure(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.closers = map[string]func(context.Context) error{}

	if e.DocstoreSettings == nil {
		e.DocstoreSettings = &docstore.Settings{
			Database: docstore.DBSettings{Address: "localhost:27017", DB: "docstore_mock"},
		}
	}
	if err := e.DocstoreSettings.Validate(); err != nil {
		return errors.Wrap(err, "validating mock settings")
	}
	if e.Database == "" {
		e.Database = e.DocstoreSettings.Database.DB
	}

	e.Local = queue.NewLocalLimitedSize(e.DocstoreSettings.Amboy.PoolSizeLocal, e.DocstoreSettings.Amboy.LocalStorage)
	if err := e.Local.Start(e.ctx); err != nil {
		return errors.Wrap(err, "starting local queue")
	}

	return nil
}

func (e *Environment) Settings() *docstore.Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.DocstoreSettings
}

func (e *Environment) Client() *mongo.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.MongoClient
}

func (e *Environment) DB() *mongo.Database {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.MongoClient == nil {
		return nil
	}
	return e.MongoClient.Database(e.Database)
}

func (e *Environment) Context() (context.Context, context.CancelFunc) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return context.WithCancel(e.ctx)
}

func (e *Environment) LocalQueue() amboy.Queue {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.Local
}

func (e *Environment) RegisterCloser(name string, closer func(context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closers == nil {
		e.closers = map[string]func(context.Context) error{}
	}
	if _, ok := e.closers[name]; !ok {
		e.closerOrder = append(e.closerOrder, name)
	}
	e.closers[name] = closer
}

func (e *Environment) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	catcher := grip.NewBasicCatcher()
	for i := len(e.closerOrder) - 1; i >= 0; i-- {
		name := e.closerOrder[i]
		catcher.Wrapf(e.closers[name](ctx), "running closer '%s'", name)
	}
	e.closers = map[string]func(context.Context) error{}
	e.closerOrder = nil
	if e.cancel != nil {
		e.cancel()
	}

	return catcher.Resolve()
}
