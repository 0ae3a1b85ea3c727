// Package mutator implements the single CLI subcommand this binary
// exposes: env-var configuration, consul/kubernetes client construction,
// and the goroutines wiring C1-C5 and E1-E4 together. Grounded on
// subcommand/sync-catalog/command.go's overall Run shape (flag/env
// parsing, signal-driven shutdown context, dual HTTP listeners, metrics
// sink), adapted from flags to the environment-variable configuration
// this system's operators use instead (it runs as an admission webhook
// pod, not a CLI invoked with arguments).
package mutator

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/armon/go-metrics"
	capi "github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	admission "sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/hashicorp/k8s-consul-mutator/checksum"
	"github.com/hashicorp/k8s-consul-mutator/consul"
	"github.com/hashicorp/k8s-consul-mutator/controller"
	"github.com/hashicorp/k8s-consul-mutator/deploy"
	"github.com/hashicorp/k8s-consul-mutator/dispatcher"
	"github.com/hashicorp/k8s-consul-mutator/k8swatch"
	nativeMetrics "github.com/hashicorp/k8s-consul-mutator/metrics"
	"github.com/hashicorp/k8s-consul-mutator/registry"
	"github.com/hashicorp/k8s-consul-mutator/subcommand/common"
	"github.com/hashicorp/k8s-consul-mutator/types"
	"github.com/hashicorp/k8s-consul-mutator/updater"
	"github.com/hashicorp/k8s-consul-mutator/webhook"
)

// Command is the cli.Command implementation for the mutator's single
// subcommand. All configuration comes from the environment, matching how
// this binary is deployed: as a webhook pod configured via its manifest's
// env block, not invoked interactively with flags.
type Command struct {
	UI cli.Ui

	once sync.Once
	help string

	clientset kubernetes.Interface
}

func (c *Command) init() {
	c.help = "Runs the Consul KV to Kubernetes Deployment annotation mutator and reconciler."
}

// Run implements cli.Command.
func (c *Command) Run(args []string) int {
	c.once.Do(c.init)

	cfg, err := loadConfig()
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	log, err := common.Logger(cfg.logLevel, cfg.logJSON)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	log.Info("starting k8s-consul-mutator",
		"port", cfg.port, "secure_port", cfg.securePort,
		"watch_namespace", cfg.watchNamespace,
		"checksum_type", cfg.checksumType,
		"update_debounce", cfg.updateDebounce,
		"watch_dispatcher_first_reconcile", cfg.dispatcherFirstReconcile,
		"watch_dispatcher_reconcile", cfg.dispatcherReconcile,
		"watch_dispatcher_debounce", cfg.dispatcherDebounce,
		"check_key_timeout", cfg.checkKeyTimeout,
		"check_key_idle", cfg.checkKeyIdle,
		"check_key_error_wait", cfg.checkKeyErrorWait,
	)

	consulClient, err := consul.NewClient(capi.DefaultConfig())
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating consul client: %s", err))
		return 1
	}

	if c.clientset == nil {
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			c.UI.Error(fmt.Sprintf("error retrieving kubernetes auth: %s", err))
			return 1
		}
		c.clientset, err = kubernetes.NewForConfig(restCfg)
		if err != nil {
			c.UI.Error(fmt.Sprintf("error initializing kubernetes client: %s", err))
			return 1
		}
	}

	sink, err := nativeMetrics.NewSink(time.Minute)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating metrics sink: %s", err))
		return 1
	}
	if _, err := metrics.NewGlobal(metrics.DefaultConfig("k8s-consul-mutator"), sink); err != nil {
		c.UI.Error(fmt.Sprintf("error configuring metrics: %s", err))
		return 1
	}

	reg := registry.NewInMemory()
	commandCh := make(chan types.ConsulWatchCommand, 100)
	workCh := make(chan types.Work, 100)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	sup := dispatcher.New(dispatcher.Config{
		CommandCh:       commandCh,
		WorkCh:          workCh,
		KV:              &consul.ClientKV{Client: consulClient},
		Registry:        reg,
		Checksum:        checksum.FromType(cfg.checksumType),
		Log:             log.Named("dispatcher"),
		BlockWait:       cfg.checkKeyTimeout,
		KeyIdleGrace:    cfg.checkKeyIdle,
		KeyErrorWait:    cfg.checkKeyErrorWait,
		Debounce:        cfg.dispatcherDebounce,
		FirstReconcile:  cfg.dispatcherFirstReconcile,
		ReconcilePeriod: cfg.dispatcherReconcile,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.Run(ctx)
	}()

	upd := updater.New(updater.Config{
		WorkCh:   workCh,
		Registry: reg,
		Patcher:  deploy.NewClient(c.clientset),
		Log:      log.Named("updater"),
		Debounce: cfg.updateDebounce,
		Toggles: updater.Toggles{
			Annotations:     cfg.setDeploymentAnnotations,
			SpecAnnotations: cfg.setDeploymentSpecAnnotations,
			Timestamp:       cfg.setDeploymentTimestamp,
			SpecTimestamp:   cfg.setDeploymentSpecTimestamp,
		},
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		upd.Run(ctx)
	}()

	depResource := &k8swatch.DeploymentResource{
		Log:       log.Named("k8swatch"),
		Client:    c.clientset,
		Registry:  reg,
		CommandCh: commandCh,
		Namespace: cfg.watchNamespace,
	}
	depController := &controller.Controller{
		Log:      log.Named("deployment-controller"),
		Resource: depResource,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		depController.Run(ctx.Done())
	}()

	wh := &webhook.Webhook{Log: log.Named("webhook"), Registry: reg, CommandCh: commandCh}
	handler := webhook.NewHandler(wh, admission.NewDecoder(clientgoscheme.Scheme))

	if cfg.port != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serveInsecure(ctx, log, cfg, handler)
		}()
	}
	if cfg.securePort != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serveSecure(ctx, log, cfg, handler)
		}()
	}

	<-ctx.Done()
	log.Info("shutdown signal received, draining")
	wg.Wait()
	return 0
}

func (c *Command) serveInsecure(ctx context.Context, log hclog.Logger, cfg config, handler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle(cfg.metricsPath, promhttp.Handler())
	mux.Handle("/mutate", handler)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info(fmt.Sprintf("listening on :%d", cfg.port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(fmt.Sprintf("insecure listener error: %s", err))
	}
}

func (c *Command) serveSecure(ctx context.Context, log hclog.Logger, cfg config, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/mutate", handler)

	cert, err := tls.LoadX509KeyPair(cfg.certificate, cfg.certificateKey)
	if err != nil {
		log.Error(fmt.Sprintf("error loading TLS certificate: %s", err))
		return
	}

	srv := &http.Server{
		Addr:      fmt.Sprintf(":%d", cfg.securePort),
		Handler:   mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info(fmt.Sprintf("listening on :%d (tls)", cfg.securePort))
	if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		log.Error(fmt.Sprintf("secure listener error: %s", err))
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (c *Command) Synopsis() string { return "Runs the Consul KV to Kubernetes Deployment mutator" }
func (c *Command) Help() string     { return c.help }

type config struct {
	port       int
	securePort int

	certificate    string
	certificateKey string

	updateDebounce           time.Duration
	dispatcherFirstReconcile time.Duration
	dispatcherReconcile      time.Duration
	dispatcherDebounce       time.Duration

	checkKeyTimeout   string
	checkKeyIdle      time.Duration
	checkKeyErrorWait time.Duration

	checksumType string

	setDeploymentAnnotations     bool
	setDeploymentSpecAnnotations bool
	setDeploymentTimestamp       bool
	setDeploymentSpecTimestamp   bool

	watchNamespace string
	logLevel       string
	logJSON        bool
	metricsPath    string
}

func loadConfig() (config, error) {
	cfg := config{
		port:                         envInt("PORT", 8080),
		securePort:                   envInt("SECURE_PORT", 8443),
		certificate:                  os.Getenv("CERTIFICATE"),
		certificateKey:               os.Getenv("CERTIFICATE_KEY"),
		updateDebounce:               envSeconds("UPDATE_DEBOUNCE", 60),
		dispatcherFirstReconcile:     envSeconds("WATCH_DISPATCHER_FIRST_RECONCILE", 30),
		dispatcherReconcile:          envSeconds("WATCH_DISPATCHER_RECONCILE", 1800),
		dispatcherDebounce:           envSeconds("WATCH_DISPATCHER_DEBOUNCE", 60),
		checkKeyTimeout:              envString("CHECK_KEY_TIMEOUT", "10s"),
		checkKeyIdle:                 envSeconds("CHECK_KEY_IDLE", 60),
		checkKeyErrorWait:            envSeconds("CHECK_KEY_ERROR_WAIT", 60),
		checksumType:                 envString("CHECKSUM_TYPE", "md5"),
		setDeploymentAnnotations:     envBool("SET_DEPLOYMENT_ANNOTATIONS", true),
		setDeploymentSpecAnnotations: envBool("SET_DEPLOYMENT_SPEC_ANNOTATIONS", true),
		setDeploymentTimestamp:       envBool("SET_DEPLOYMENT_TIMESTAMP", true),
		setDeploymentSpecTimestamp:   envBool("SET_DEPLOYMENT_SPEC_TIMESTAMP", false),
		watchNamespace:               os.Getenv("WATCH_NAMESPACE"),
		logLevel:                     envString("LOG_LEVEL", "info"),
		logJSON:                      envBool("LOG_JSON", false),
		metricsPath:                  envString("METRICS_PATH", "/metrics"),
	}

	if cfg.port == 0 && cfg.securePort == 0 {
		return config{}, fmt.Errorf("at least one of PORT, SECURE_PORT must be non-zero")
	}
	if cfg.securePort != 0 && (cfg.certificate == "" || cfg.certificateKey == "") {
		return config{}, fmt.Errorf("SECURE_PORT requires CERTIFICATE and CERTIFICATE_KEY")
	}

	return cfg, nil
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(name string, defSeconds int) time.Duration {
	return time.Duration(envInt(name, defSeconds)) * time.Second
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
