// Package uri builds a storage backend from a single connection string,
// dispatching on URI scheme the way the pack's own adapters key off a
// driver name string (see Chris-Alexander-Pop-go-hyperforge's
// database.Config.Driver / document.Config.Driver). No pack example
// builds a URI-to-driver factory — each adapter is wired directly from a
// typed Config in main/config — so this dispatcher is standard-library
// net/url parsing rather than a grounded third-party routing library.
package uri

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/omd02/ratelimit/storage/etcdkit"
	"github.com/omd02/ratelimit/storage/memcachedkit"
	"github.com/omd02/ratelimit/storage/memory"
	"github.com/omd02/ratelimit/storage/mongokit"
	"github.com/omd02/ratelimit/storage/rediskit"
)

// namedMemoryStores backs memory://<name>, giving repeated Opens against the
// same name a shared Store within one process (the same idiom as sqlite's
// ":memory:?cache=shared"). memory:// with no name still gets a fresh,
// unshared Store per Open.
var (
	namedMemoryMu     sync.Mutex
	namedMemoryStores = map[string]*memory.Store{}
)

func namedMemoryStore(name string) *memory.Store {
	namedMemoryMu.Lock()
	defer namedMemoryMu.Unlock()
	store, ok := namedMemoryStores[name]
	if !ok {
		store = memory.New()
		namedMemoryStores[name] = store
	}
	return store
}

// Backend bundles everything a strategy needs from an Open call: the
// constructed store (as an `any`, since callers type-assert it against
// whichever storage capability interface their strategy requires) plus a
// Close for releasing the underlying connection.
type Backend struct {
	Store any
	Close func() error
}

// Option configures backend construction.
type Option struct {
	Logger *zap.SugaredLogger
	Prefix string
}

// Open parses rawURL and constructs the matching backend.
//
//	memory://[name]                              in-process storage; same name shares state
//	redis://host:port[/db]                       standalone Redis
//	rediss://host:port[/db]                       standalone Redis over TLS
//	redis+cluster://host:port[,host:port,...]     Redis Cluster
//	redis+sentinel://host:port[,...]?master=name   Redis via Sentinel
//	memcached://host:port[,host:port,...]         Memcached
//	mongodb://...                                 MongoDB (database taken from the URI path)
//	etcd://host:port[,host:port,...]              etcd
func Open(ctx context.Context, rawURL string, opt Option) (*Backend, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("uri: parse %q: %w", rawURL, err)
	}

	switch parsed.Scheme {
	case "memory":
		if parsed.Host == "" {
			store := memory.New()
			return &Backend{Store: store, Close: func() error { store.Close(); return nil }}, nil
		}
		store := namedMemoryStore(parsed.Host)
		return &Backend{Store: store, Close: func() error { return nil }}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: parsed.Host, DB: dbFromPath(parsed.Path)})
		return redisBackend(client, opt)

	case "rediss":
		client := redis.NewClient(&redis.Options{Addr: parsed.Host, DB: dbFromPath(parsed.Path), TLSConfig: &tls.Config{}})
		return redisBackend(client, opt)

	case "redis+cluster":
		client := redis.NewClusterClient(&redis.ClusterOptions{Addrs: hostList(parsed)})
		return redisBackend(client, opt)

	case "redis+sentinel":
		client := redis.NewFailoverClient(&redis.FailoverOptions{
			SentinelAddrs: hostList(parsed),
			MasterName:    parsed.Query().Get("master"),
		})
		return redisBackend(client, opt)

	case "memcached":
		client := memcache.New(hostList(parsed)...)
		store := memcachedkit.New(client, memcachedkitOpts(opt)...)
		return &Backend{Store: store, Close: func() error { return nil }}, nil

	case "mongodb":
		client, err := mongo.Connect(options.Client().ApplyURI(rawURL))
		if err != nil {
			return nil, fmt.Errorf("uri: connect mongodb: %w", err)
		}
		dbName := strings.TrimPrefix(parsed.Path, "/")
		if dbName == "" {
			dbName = "ratelimit"
		}
		collection := client.Database(dbName).Collection("ratelimit")
		store := mongokit.New(collection, mongokitOpts(opt)...)
		return &Backend{Store: store, Close: func() error { return client.Disconnect(context.Background()) }}, nil

	case "etcd":
		client, err := clientv3.New(clientv3.Config{Endpoints: hostList(parsed), DialTimeout: 5 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("uri: connect etcd: %w", err)
		}
		store := etcdkit.New(client, etcdkitOpts(opt)...)
		return &Backend{Store: store, Close: client.Close}, nil

	default:
		return nil, fmt.Errorf("uri: unsupported scheme %q", parsed.Scheme)
	}
}

func redisBackend(client rediskit.Client, opt Option) (*Backend, error) {
	store := rediskit.New(client, rediskitOpts(opt)...)
	closeFn := func() error { return nil }
	if closer, ok := client.(interface{ Close() error }); ok {
		closeFn = closer.Close
	}
	return &Backend{Store: store, Close: closeFn}, nil
}

func hostList(u *url.URL) []string {
	return strings.Split(u.Host, ",")
}

func dbFromPath(path string) int {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return 0
	}
	var db int
	if _, err := fmt.Sscanf(trimmed, "%d", &db); err != nil {
		return 0
	}
	return db
}

func rediskitOpts(opt Option) []rediskit.Option {
	var opts []rediskit.Option
	if opt.Logger != nil {
		opts = append(opts, rediskit.WithLogger(opt.Logger))
	}
	if opt.Prefix != "" {
		opts = append(opts, rediskit.WithPrefix(opt.Prefix))
	}
	return opts
}

func memcachedkitOpts(opt Option) []memcachedkit.Option {
	var opts []memcachedkit.Option
	if opt.Logger != nil {
		opts = append(opts, memcachedkit.WithLogger(opt.Logger))
	}
	return opts
}

func mongokitOpts(opt Option) []mongokit.Option {
	var opts []mongokit.Option
	if opt.Logger != nil {
		opts = append(opts, mongokit.WithLogger(opt.Logger))
	}
	return opts
}

func etcdkitOpts(opt Option) []etcdkit.Option {
	var opts []etcdkit.Option
	if opt.Logger != nil {
		opts = append(opts, etcdkit.WithLogger(opt.Logger))
	}
	return opts
}
