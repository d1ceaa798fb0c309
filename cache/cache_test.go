package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leadfold/enrich/warehouse"
	"github.com/stretchr/testify/require"
)

func TestKeyIsOrderInsensitive(t *testing.T) {
	var a = map[string]interface{}{
		"website": "https://ex.com",
		"filters": map[string]interface{}{"country": "DE", "size": 50},
	}
	var b = map[string]interface{}{
		"filters": map[string]interface{}{"size": 50, "country": "DE"},
		"website": "https://ex.com",
	}

	var keyA, err = Key("peopledata", "account_lookup", "v1", a)
	require.NoError(t, err)
	keyB, err := Key("peopledata", "account_lookup", "v1", b)
	require.NoError(t, err)
	require.Equal(t, keyA, keyB)
	require.Len(t, keyA, 64)
}

func TestKeyDiscriminates(t *testing.T) {
	var req = map[string]interface{}{"website": "https://ex.com"}

	var base, _ = Key("peopledata", "account_lookup", "v1", req)
	var otherProvider, _ = Key("webscan", "account_lookup", "v1", req)
	var otherMethod, _ = Key("peopledata", "person_lookup", "v1", req)
	var otherVersion, _ = Key("peopledata", "account_lookup", "v2", req)

	require.NotEqual(t, base, otherProvider)
	require.NotEqual(t, base, otherMethod)
	require.NotEqual(t, base, otherVersion)
}

func TestKeyCanonicalization(t *testing.T) {
	var variants = []interface{}{
		map[string]interface{}{"url": "HTTPS://API.Example.COM:443/v1/lookup", "q": "acme  gmbh"},
		map[string]interface{}{"url": "https://api.example.com/v1/lookup", "q": "acme gmbh"},
		map[string]interface{}{"url": "https://API.example.com/v1/lookup", "q": " acme\tgmbh\n"},
	}

	var first string
	for i, v := range variants {
		var key, err = Key("p", "m", "v1", v)
		require.NoError(t, err)
		if i == 0 {
			first = key
		} else {
			require.Equal(t, first, key, "variant %d", i)
		}
	}

	// Non-default ports and path case are significant.
	var port8080, _ = Key("p", "m", "v1", map[string]interface{}{"url": "https://api.example.com:8080/v1/lookup"})
	var upperPath, _ = Key("p", "m", "v1", map[string]interface{}{"url": "https://api.example.com/V1/lookup"})
	require.NotEqual(t, first, port8080)
	require.NotEqual(t, first, upperPath)
}

func TestCanonicalString(t *testing.T) {
	require.Equal(t, "plain words here", canonicalString("  plain \t words\nhere "))
	require.Equal(t, "http://ex.com/a", canonicalString("http://EX.com:80/a"))
	require.Equal(t, "http://ex.com:8080/a", canonicalString("http://ex.com:8080/a"))
	require.Equal(t, "not a url: at all", canonicalString("not a url:  at all"))
}

func newTestWarehouse(t *testing.T) warehouse.Client {
	var client, err = warehouse.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, client.EnsureTables(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestAPICacheRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var apiCache = NewAPICache(newTestWarehouse(t))

	var key, err = Key("peopledata", "account_lookup", "v1", map[string]interface{}{"domain": "ex.com"})
	require.NoError(t, err)

	require.Nil(t, apiCache.Get(ctx, key))

	apiCache.Put(ctx, key, "peopledata",
		map[string]interface{}{"domain": "ex.com"},
		[]byte(`{"name":"Ex","employees":120}`),
		time.Hour,
		map[string]interface{}{"endpoint": "account_lookup"},
	)

	var entry = apiCache.Get(ctx, key)
	require.NotNil(t, entry)
	require.JSONEq(t, `{"name":"Ex","employees":120}`, string(entry.Body))
	require.JSONEq(t, `{"endpoint":"account_lookup"}`, string(entry.Meta))
	require.Equal(t, time.Hour, entry.TTL)
	require.False(t, entry.CreatedAt.IsZero())
}

func TestCacheExpiry(t *testing.T) {
	var ctx = context.Background()
	var apiCache = NewAPICache(newTestWarehouse(t))

	// A zero TTL is expired on arrival.
	apiCache.Put(ctx, "dead-key", "peopledata", nil, []byte(`{"v":1}`), 0, nil)
	require.Nil(t, apiCache.Get(ctx, "dead-key"))
}

func TestCacheNewestLiveEntryWins(t *testing.T) {
	var ctx = context.Background()
	var apiCache = NewAPICache(newTestWarehouse(t))

	apiCache.Put(ctx, "k", "peopledata", nil, []byte(`{"gen":1}`), time.Hour, nil)
	time.Sleep(2 * time.Millisecond)
	apiCache.Put(ctx, "k", "peopledata", nil, []byte(`{"gen":2}`), time.Hour, nil)
	time.Sleep(2 * time.Millisecond)
	// Newest of all, but already expired: readers must skip it and serve
	// the newest live generation.
	apiCache.Put(ctx, "k", "peopledata", nil, []byte(`{"gen":3}`), 0, nil)

	var entry = apiCache.Get(ctx, "k")
	require.NotNil(t, entry)
	require.JSONEq(t, `{"gen":2}`, string(entry.Body))
}

func TestAICacheColumns(t *testing.T) {
	var ctx = context.Background()
	var client = newTestWarehouse(t)
	var aiCache = NewAICache(client)

	aiCache.Put(ctx, "ai-key", "claude-sonnet-4-5", "fp-abc123", []byte(`{"text":"hi"}`), time.Hour, nil)

	var entry = aiCache.Get(ctx, "ai-key")
	require.NotNil(t, entry)
	require.JSONEq(t, `{"text":"hi"}`, string(entry.Body))

	rows, err := client.Query(ctx, fmt.Sprintf(
		`SELECT model, prompt_fingerprint FROM %s WHERE cache_key = ?`,
		client.Table(warehouse.TableAICache)), "ai-key")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "claude-sonnet-4-5", rows[0].String("model"))
	require.Equal(t, "fp-abc123", rows[0].String("prompt_fingerprint"))
}

// failingWarehouse errors on every operation.
type failingWarehouse struct{}

func (failingWarehouse) AppendRows(context.Context, string, []warehouse.Row) error {
	return errors.New("warehouse down")
}
func (failingWarehouse) Query(context.Context, string, ...interface{}) ([]warehouse.Row, error) {
	return nil, errors.New("warehouse down")
}
func (failingWarehouse) Table(name string) string           { return name }
func (failingWarehouse) EnsureTables(context.Context) error { return errors.New("warehouse down") }
func (failingWarehouse) Ping(context.Context) error         { return errors.New("warehouse down") }
func (failingWarehouse) Close() error                       { return nil }

func TestCacheDegradesWhenWarehouseFails(t *testing.T) {
	var ctx = context.Background()
	var apiCache = NewAPICache(failingWarehouse{})

	// Reads degrade to misses; writes are swallowed. Neither panics nor
	// surfaces the error to the caller.
	require.Nil(t, apiCache.Get(ctx, "k"))
	apiCache.Put(ctx, "k", "peopledata", nil, []byte(`{}`), time.Hour, nil)
	require.Nil(t, apiCache.Get(ctx, "k"))
}
