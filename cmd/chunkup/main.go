// Command chunkup uploads files to a chunkup server and inspects uploads.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/zots0127/chunkup/pkg/chunkhash"
	"github.com/zots0127/chunkup/pkg/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	server        string
	algorithm     string
	workers       int
	concurrency   int
	attempts      int
	timeout       time.Duration
	verifyResumed bool
	verbose       bool
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.server, "server", "s", envOr("CHUNKUP_SERVER", "http://localhost:8080"), "server base URL")
	fs.StringVar(&o.algorithm, "algorithm", envOr("CHUNKUP_HASH_ALGORITHM", "md5"), "digest algorithm (md5, blake3); must match the server")
	fs.IntVarP(&o.workers, "workers", "w", 0, "number of chunks per file (default: number of CPUs); keep it fixed when resuming")
	fs.IntVarP(&o.concurrency, "concurrency", "c", 4, "simultaneous chunk uploads")
	fs.IntVar(&o.attempts, "attempts", 5, "attempts per request before giving up")
	fs.DurationVar(&o.timeout, "timeout", 2*time.Minute, "timeout of a single request attempt")
	fs.BoolVar(&o.verifyResumed, "verify-resumed", false, "hash chunks already on the server and restart on mismatch")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "log progress to stderr")
}

func (o *options) client(stderr io.Writer) (*client.Client, error) {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return client.New(client.Options{
		BaseURL:        o.server,
		Algorithm:      chunkhash.Algorithm(o.algorithm),
		Workers:        o.workers,
		Concurrency:    o.concurrency,
		MaxAttempts:    o.attempts,
		AttemptTimeout: o.timeout,
		VerifyResumed:  o.verifyResumed,
		Logger:         slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stderr)
		return pflag.ErrHelp
	}

	command, args := args[0], args[1:]
	var opts options
	fs := pflag.NewFlagSet("chunkup "+command, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	opts.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch command {
	case "upload":
		return runUpload(ctx, &opts, fs.Args(), stdout, stderr)
	case "status":
		return runStatus(ctx, &opts, fs.Args(), stdout, stderr)
	case "abort":
		return runAbort(ctx, &opts, fs.Args(), stdout, stderr)
	case "hash":
		return runHash(ctx, &opts, fs.Args(), stdout)
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runUpload(ctx context.Context, opts *options, paths []string, stdout, stderr io.Writer) error {
	if len(paths) == 0 {
		return errors.New("upload: no files given")
	}
	c, err := opts.client(stderr)
	if err != nil {
		return err
	}

	failed := 0
	for _, path := range paths {
		report, err := c.Upload(ctx, path)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", path, err)
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && len(apiErr.CorruptChunks) > 0 {
				fmt.Fprintf(stderr, "%s: corrupt chunks were discarded on the server; run the upload again to resend them\n", path)
			}
			failed++
			continue
		}

		if report.AlreadyPublished {
			fmt.Fprintf(stdout, "%s\talready published\t%s\n", report.FileName, report.CombinedHash)
			continue
		}
		fmt.Fprintf(stdout, "%s\t%d bytes\t%d chunks (%d uploaded, %d resumed)\t%s\n",
			report.FileName, report.Size, report.Chunks, report.Uploaded, report.Resumed, report.Merge.Hash)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(paths))
	}
	return nil
}

func runStatus(ctx context.Context, opts *options, names []string, stdout, stderr io.Writer) error {
	if len(names) != 1 {
		return errors.New("status: expected one file name")
	}
	c, err := opts.client(stderr)
	if err != nil {
		return err
	}

	session, err := c.Session(ctx, names[0])
	if err != nil {
		return err
	}
	chunks, err := c.ExistingChunks(ctx, names[0])
	if err != nil {
		return err
	}
	artifact, err := c.ExistingFile(ctx, names[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"session":        session,
		"existingChunks": chunks,
		"artifact":       artifact,
	})
}

func runAbort(ctx context.Context, opts *options, names []string, stdout, stderr io.Writer) error {
	if len(names) == 0 {
		return errors.New("abort: no file names given")
	}
	c, err := opts.client(stderr)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := c.Abort(ctx, name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(stdout, "%s\taborted\n", name)
	}
	return nil
}

// runHash prints the per-chunk digests, the combined hash the server will
// check and the digest of the whole file.
func runHash(ctx context.Context, opts *options, paths []string, stdout io.Writer) error {
	if len(paths) != 1 {
		return errors.New("hash: expected one file")
	}
	alg, err := chunkhash.ParseAlgorithm(opts.algorithm)
	if err != nil {
		return err
	}
	workers := opts.workers
	if workers <= 0 {
		workers = chunkhash.DefaultWorkers()
	}

	f, err := os.Open(paths[0])
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	digests, err := chunkhash.HashChunks(ctx, f, info.Size(), workers, alg, nil)
	if err != nil {
		return err
	}
	whole, _, err := chunkhash.HashReader(alg, f)
	if err != nil {
		return err
	}

	ranges := chunkhash.Partition(info.Size(), workers)
	for _, d := range digests {
		rg := ranges[d.Index]
		fmt.Fprintf(stdout, "chunk %d\t[%d, %d)\t%s\n", d.Index, rg.Start, rg.End, d.Hash)
	}
	fmt.Fprintf(stdout, "combined\t%s\n", chunkhash.CombinedHash(alg, digests))
	fmt.Fprintf(stdout, "file\t%s\n", whole)
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `chunkup uploads files in resumable, verified chunks.

Usage:
  chunkup upload [flags] <file>...   upload files, resuming earlier attempts
  chunkup status [flags] <name>      show the session, stored chunks and artifact of a file
  chunkup abort  [flags] <name>...   discard the stored chunks of files
  chunkup hash   [flags] <file>      print chunk digests and the combined hash

Flags:
  -s, --server string        server base URL (env CHUNKUP_SERVER)
      --algorithm string     md5 or blake3 (env CHUNKUP_HASH_ALGORITHM)
  -w, --workers int          chunks per file; keep it fixed when resuming
  -c, --concurrency int      simultaneous chunk uploads
      --attempts int         attempts per request
      --timeout duration     timeout of a single attempt
      --verify-resumed       re-hash chunks already on the server
  -v, --verbose              log progress
`)
}
