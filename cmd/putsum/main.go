package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"putsum/internal/auth"
	"putsum/internal/harness"
	"putsum/internal/report"
	"putsum/internal/silo"
	"putsum/pkg/upload"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/charmbracelet/log"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

// errScenariosFailed is returned when an outcome did not meet its expectation.
var errScenariosFailed = errors.New("scenarios failed")

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

type options struct {
	mode       string
	dataDir    string
	endpoint   string
	bucket     string
	region     string
	reportPath string
	chunkSize  string
	threshold  string
	logLevel   string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.mode, "mode", getenv("PUTSUM_MODE", "client"), "uploader to run: client, sdk or both")
	flag.StringVar(&o.dataDir, "data-dir", "", "data directory of the local server (default: a temporary directory)")
	flag.StringVar(&o.endpoint, "endpoint", getenv("PUTSUM_ENDPOINT", ""), "external S3 endpoint; credentials come from the AWS default chain")
	flag.StringVar(&o.bucket, "bucket", getenv("PUTSUM_BUCKET", "test"), "bucket to upload into")
	flag.StringVar(&o.region, "region", getenv("AWS_REGION", upload.DefaultRegion), "signing region")
	flag.StringVar(&o.reportPath, "report", "", "write an HTML report to this file")
	flag.StringVar(&o.chunkSize, "chunk-size", units.BytesSize(upload.DefaultChunkSize), "aws-chunked chunk size, e.g. 64KiB")
	flag.StringVar(&o.threshold, "threshold", units.BytesSize(upload.DefaultBufferThreshold), "largest single-pass body without a digest that is buffered, e.g. 1MiB")
	flag.StringVar(&o.logLevel, "log-level", getenv("PUTSUM_LOG_LEVEL", "info"), "log level: debug, info, warn or error")
	flag.Parse()
	return o
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))
	return nil
}

// localServer runs the bundled S3 server on a loopback listener until ctx
// is done.
func localServer(ctx context.Context, eg *errgroup.Group, dataDir, region string) (string, error) {
	if dataDir == "" {
		tmp, err := os.MkdirTemp("", "putsum-*")
		if err != nil {
			return "", fmt.Errorf("create data directory: %w", err)
		}
		dataDir = tmp
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve data directory: %w", err)
	}

	server, err := silo.NewServer(ctx, silo.NewConfig(silo.WithDataDir(absDataDir), silo.WithRegion(region)))
	if err != nil {
		return "", fmt.Errorf("failed to create silo server: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = server.Close()
		return "", fmt.Errorf("listen: %w", err)
	}

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		return errors.Join(err, server.Close())
	})

	eg.Go(func() error {
		err := httpServer.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	endpoint := "http://" + ln.Addr().String()
	slog.Info("Started local S3 server", "endpoint", endpoint, "data_dir", absDataDir)
	return endpoint, nil
}

// waitReady polls endpoint until it answers HTTP at all. Any status code
// counts, an anonymous request to S3 is expected to be refused.
func waitReady(ctx context.Context, endpoint string) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 10
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = slog.Default()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("endpoint %s: %w", endpoint, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint %s not reachable: %w", endpoint, err)
	}
	return resp.Body.Close()
}

func runners(o options, endpoint string, creds aws.CredentialsProvider) ([]harness.Runner, int64, error) {
	chunkSize, err := units.RAMInBytes(o.chunkSize)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid -chunk-size: %w", err)
	}
	threshold, err := units.RAMInBytes(o.threshold)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid -threshold: %w", err)
	}

	var out []harness.Runner

	if o.mode == "client" || o.mode == "both" {
		client, err := upload.New(endpoint, creds,
			upload.WithRegion(o.region),
			upload.WithChunkSize(int(chunkSize)),
			upload.WithBufferThreshold(threshold),
		)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, &harness.ClientRunner{Client: client})
	}

	if o.mode == "sdk" || o.mode == "both" {
		client := s3.New(s3.Options{
			Region:       o.region,
			BaseEndpoint: aws.String(endpoint),
			UsePathStyle: true,
			Credentials:  creds,
		})
		out = append(out, &harness.SDKRunner{Client: client})
	}

	if len(out) == 0 {
		return nil, 0, fmt.Errorf("unknown mode %q", o.mode)
	}
	return out, threshold, nil
}

func Run(ctx context.Context) error {
	o := parseFlags()
	if err := setupLogging(o.logLevel); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		if err := eg.Wait(); err != nil {
			slog.Error("Local server stopped with error", "error", err)
		}
	}()

	endpoint := o.endpoint
	var creds aws.CredentialsProvider
	if endpoint == "" {
		var err error
		endpoint, err = localServer(ctx, eg, o.dataDir, o.region)
		if err != nil {
			return err
		}
		creds = credentials.NewStaticCredentialsProvider(auth.DefaultAccessKeyID, auth.DefaultSecretAccessKey, "")
	} else {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		creds = cfg.Credentials
		if err := waitReady(ctx, endpoint); err != nil {
			return err
		}
	}

	resolved, err := creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve credentials: %w", err)
	}
	verifier, err := harness.NewVerifier(endpoint, o.region, resolved.AccessKeyID, resolved.SecretAccessKey, resolved.SessionToken)
	if err != nil {
		return err
	}

	rs, threshold, err := runners(o, endpoint, creds)
	if err != nil {
		return err
	}

	h := &harness.Harness{Bucket: o.bucket, Verifier: verifier, Logger: slog.Default()}
	scenarios := harness.Scenarios(threshold)

	var outcomes []harness.Outcome
	for _, r := range rs {
		out, err := h.Run(ctx, r, scenarios)
		outcomes = append(outcomes, out...)
		if err != nil {
			return fmt.Errorf("runner %s: %w", r.Name(), err)
		}
	}

	if o.reportPath != "" {
		if err := writeReport(ctx, o.reportPath, endpoint, outcomes); err != nil {
			return err
		}
		slog.Info("Wrote report", "path", o.reportPath)
	}

	failed := harness.Failed(outcomes)
	slog.Info("Done", "outcomes", len(outcomes), "failed", failed)
	if failed > 0 {
		var names []string
		for _, out := range outcomes {
			if !out.Pass {
				names = append(names, out.Runner+"/"+out.Scenario)
			}
		}
		return fmt.Errorf("%w: %s", errScenariosFailed, strings.Join(names, ", "))
	}
	return nil
}

func writeReport(ctx context.Context, path, endpoint string, outcomes []harness.Outcome) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := report.ResultsPage(endpoint, time.Now(), outcomes).Render(ctx, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("render report: %w", err)
	}
	return f.Close()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("putsum exited with error", "error", err)
		os.Exit(1)
	}
}
