package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/server"
	"go.gazette.dev/core/task"
	"google.golang.org/api/option"

	"github.com/leadfold/enrich/api"
	"github.com/leadfold/enrich/auth"
	"github.com/leadfold/enrich/cache"
	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/dispatch"
	"github.com/leadfold/enrich/handlers"
	"github.com/leadfold/enrich/httpclient"
	"github.com/leadfold/enrich/providers/ai"
	"github.com/leadfold/enrich/providers/peopledata"
	"github.com/leadfold/enrich/providers/webscan"
	"github.com/leadfold/enrich/queue"
	"github.com/leadfold/enrich/results"
	"github.com/leadfold/enrich/warehouse"
)

const iniFilename = "enrich.ini"

// Config is the top-level configuration object of the enrichment worker.
var Config = new(struct {
	Worker struct {
		mbp.ServiceConfig
	} `group:"Worker" namespace:"worker" env-namespace:"WORKER"`

	Tasks struct {
		DefaultDeadlineSeconds int `long:"default-deadline-seconds" env:"DEFAULT_TASK_DEADLINE_SECONDS" default:"540" description:"Default per-delivery deadline, in seconds"`
		ShutdownGraceSeconds   int `long:"shutdown-grace-seconds" env:"SHUTDOWN_GRACE_SECONDS" default:"30" description:"How long in-flight deliveries may drain after SIGTERM"`
	} `group:"Tasks" namespace:"tasks"`

	Queue struct {
		Issuer     string `long:"issuer" env:"ISSUER" default:"enrich-queue" description:"Issuer of queue delivery tokens (HS256 mode)"`
		Audience   string `long:"audience" env:"AUDIENCE" required:"true" description:"Public URL of this worker, the audience of delivery tokens"`
		SigningKey string `long:"signing-key" env:"SIGNING_KEY" description:"Shared HS256 signing key; empty selects OIDC verification"`
		Name       string `long:"name" env:"NAME" default:"enrichment-tasks" description:"Queue name stamped onto re-enqueued deliveries"`
	} `group:"Queue" namespace:"queue" env-namespace:"QUEUE"`

	Callback struct {
		URL string `long:"url" env:"URL" required:"true" description:"Receiver endpoint result payloads POST to"`
	} `group:"Callback" namespace:"callback" env-namespace:"CALLBACK"`

	Warehouse struct {
		Project     string `long:"project" env:"PROJECT" description:"BigQuery project"`
		Dataset     string `long:"dataset" env:"DATASET" description:"BigQuery dataset"`
		SpillBucket string `long:"spill-bucket" env:"SPILL_BUCKET" description:"GCS bucket receiving oversized append batches"`
		Credentials string `long:"credentials" env:"CREDENTIALS" description:"Service account credentials file"`
		SQLite      string `long:"sqlite" env:"SQLITE" description:"Local SQLite path, overriding BigQuery (development)"`
	} `group:"Warehouse" namespace:"warehouse" env-namespace:"WAREHOUSE"`

	HTTP struct {
		MaxConnections int `long:"max-connections" env:"MAX_CONNECTIONS" default:"200" description:"Cap on pooled outbound connections"`
		PerHost        int `long:"per-host" env:"PER_HOST" default:"32" description:"Cap on outbound connections per host"`
	} `group:"HTTP" namespace:"http" env-namespace:"HTTP"`

	Providers struct {
		PeopleDataURL string `long:"peopledata-url" env:"PEOPLEDATA_URL" required:"true" description:"Base URL of the people-data provider"`
		PeopleDataKey string `long:"peopledata-key" env:"PEOPLEDATA_API_KEY" required:"true" description:"API key of the people-data provider"`
		AnthropicKey  string `long:"anthropic-key" env:"ANTHROPIC_API_KEY" required:"true" description:"Anthropic API key"`
		Model         string `long:"model" env:"ANTHROPIC_MODEL" default:"claude-sonnet-4-0" description:"Model completing research and column prompts"`
	} `group:"Providers" namespace:"provider"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"audience":  Config.Queue.Audience,
		"callback":  Config.Callback.URL,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("worker configuration")

	pool, err := httpclient.NewPool(httpclient.Config{
		MaxConnections: Config.HTTP.MaxConnections,
		PerHost:        Config.HTTP.PerHost,
	})
	mbp.Must(err, "building HTTP client pool")

	var wh warehouse.Client
	if Config.Warehouse.SQLite != "" {
		wh, err = warehouse.NewSQLite(Config.Warehouse.SQLite)
	} else {
		var opts []option.ClientOption
		if Config.Warehouse.Credentials != "" {
			opts = append(opts, option.WithCredentialsFile(Config.Warehouse.Credentials))
		}
		wh, err = warehouse.NewBigQuery(context.Background(), warehouse.BigQueryConfig{
			Project:     Config.Warehouse.Project,
			Dataset:     Config.Warehouse.Dataset,
			SpillBucket: Config.Warehouse.SpillBucket,
			Options:     opts,
		})
	}
	mbp.Must(err, "opening warehouse")
	mbp.Must(wh.EnsureTables(context.Background()), "ensuring warehouse tables")

	// Local HS256 mode shares one signing key between the queue and the
	// worker; production leaves the key unset and rides OIDC ID tokens.
	var minter callback.TokenMinter
	var verifier auth.Verifier
	if key := Config.Queue.SigningKey; key != "" {
		minter, err = callback.NewHS256Minter(Config.Queue.Issuer, []byte(key))
		mbp.Must(err, "building HS256 token minter")
		verifier, err = auth.NewHS256Verifier(Config.Queue.Issuer, Config.Queue.Audience, []byte(key))
		mbp.Must(err, "building HS256 verifier")
	} else {
		minter, err = callback.NewGoogleMinter()
		mbp.Must(err, "building ID token minter")
		verifier, err = auth.NewOIDCVerifier(context.Background(), Config.Queue.Audience)
		mbp.Must(err, "building OIDC verifier")
	}

	transport, err := callback.NewTransport(callback.Config{URL: Config.Callback.URL}, pool, minter)
	mbp.Must(err, "building callback transport")

	enqueuer, err := queue.NewHTTPEnqueuer(queue.Config{
		TargetURL: Config.Queue.Audience,
		QueueName: Config.Queue.Name,
	}, pool, minter)
	mbp.Must(err, "building task enqueuer")

	var apiCache = cache.NewAPICache(wh)
	var aiCache = cache.NewAICache(wh)

	people, err := peopledata.NewClient(peopledata.Config{
		BaseURL: Config.Providers.PeopleDataURL,
		APIKey:  Config.Providers.PeopleDataKey,
	}, pool, apiCache)
	mbp.Must(err, "building people-data client")

	var scanner = webscan.NewScanner(webscan.Config{}, pool)

	completer, err := ai.NewFromAPIKey(Config.Providers.AnthropicKey, aiCache, ai.Config{
		Model: Config.Providers.Model,
	})
	mbp.Must(err, "building model client")

	registry, err := dispatch.NewRegistry(
		handlers.NewEnhance(people, people, scanner),
		handlers.NewLeadGen(people),
		handlers.NewLeadResearch(people, scanner, completer),
		handlers.NewCustomColumn(completer),
		handlers.NewTechProfile(scanner, people),
	)
	mbp.Must(err, "building task registry")

	var runner = dispatch.NewRunner(
		registry,
		results.NewStore(wh),
		transport,
		&dispatch.Env{
			HTTP:     pool,
			API:      apiCache,
			AI:       aiCache,
			Recorder: dispatch.NewRecorder(wh),
		},
		time.Duration(Config.Tasks.DefaultDeadlineSeconds)*time.Second,
	)

	// Bind our server listener, grabbing a random available port if Port is zero.
	srv, err := server.New("", Config.Worker.Port)
	mbp.Must(err, "building Server instance")

	api.RegisterAPIs(srv, api.New(runner, wh, enqueuer, verifier))

	var (
		tasks    = task.NewGroup(context.Background())
		signalCh = make(chan os.Signal, 1)
		spec     = Config.Worker.BuildProcessSpec(srv)
	)
	srv.QueueTasks(tasks)

	log.WithFields(log.Fields{
		"zone":     spec.Id.Zone,
		"id":       spec.Id.Suffix,
		"endpoint": spec.Endpoint,
	}).Info("starting enrich-worker")

	// Install signal handler & start server tasks.
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal; draining deliveries")

			// In-flight deliveries may finish within the grace period;
			// after that the task group is torn down under them.
			var lapse = time.AfterFunc(
				time.Duration(Config.Tasks.ShutdownGraceSeconds)*time.Second,
				tasks.Cancel,
			)
			srv.BoundedGracefulStop()
			lapse.Stop()
			tasks.Cancel()
			return nil

		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	// Block until all tasks complete. Assert none returned an error.
	mbp.Must(tasks.Wait(), "worker task failed")

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = pool.Close(closeCtx); err != nil {
		log.WithField("err", err).Warn("closing HTTP pool")
	}
	if err = wh.Close(); err != nil {
		log.WithField("err", err).Warn("closing warehouse")
	}
	log.Info("goodbye")

	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as enrichment worker", `
Serve the enrichment worker with the provided configuration, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
