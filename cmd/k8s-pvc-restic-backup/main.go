package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/inventory"
	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/launcher"
	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/repo"
	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/supervisor"
	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/types"

	flag "github.com/spf13/pflag"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	defaultNamespace = "backup"
	defaultSecret    = "backup-credentials"
	defaultImage     = "docker.io/restic/restic:0.16.0"
	defaultTimeout   = time.Hour
)

func main() {
	var (
		namespace      string
		secretName     string
		image          string
		labelSelector  string
		serviceAccount string
		executionID    string
		concurrency    int
		volumeTimeout  time.Duration
		dryRun         bool
		skipRepoCheck  bool
		verbose        bool
		kubeconfig     string
	)

	flag.StringVarP(&namespace, "namespace", "n", defaultNamespace, "Namespace containing the credentials secret")
	flag.StringVar(&secretName, "config-secret", defaultSecret, "Secret with restic repository credentials")
	flag.StringVar(&image, "image", defaultImage, "Image for worker pods (must contain restic and a shell)")
	flag.StringVarP(&labelSelector, "pvc-label-selector", "l", "", "Label selector narrowing candidate PVCs")
	flag.StringVar(&serviceAccount, "service-account", "", "Service account for worker pods (default: namespace default)")
	flag.StringVar(&executionID, "execution-id", "", "Unique identifier for this invocation (default: derived from time)")
	flag.IntVarP(&concurrency, "concurrency", "c", 2, "How many volumes to back up simultaneously")
	flag.DurationVar(&volumeTimeout, "volume-backup-timeout", defaultTimeout, "Maximum runtime for one volume's backup")
	flag.BoolVar(&dryRun, "dry-run", false, "Discover and resolve strategies without launching any pod")
	flag.BoolVar(&skipRepoCheck, "skip-repo-check", false, "Do not verify that the restic repository is initialized")
	flag.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig (default: in-cluster or ~/.kube/config)")
	flag.Parse()

	// Subcommand routing: the only positional arg is the action, "backup" by default.
	args := flag.Args()
	action := "backup"
	if len(args) > 0 {
		action = args[0]
	}
	if action != "backup" {
		fmt.Fprintf(os.Stderr, "Error: unsupported action %q (only \"backup\")\n", action)
		os.Exit(1)
	}

	if executionID == "" {
		executionID = time.Now().Format("20060102-150405")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := buildClient(kubeconfig)
	if err != nil {
		log.Fatalf("Failed to create Kubernetes client: %v", err)
	}

	cfg := runConfig{
		namespace:      namespace,
		secretName:     secretName,
		image:          image,
		labelSelector:  labelSelector,
		serviceAccount: serviceAccount,
		executionID:    executionID,
		concurrency:    concurrency,
		volumeTimeout:  volumeTimeout,
		dryRun:         dryRun,
		skipRepoCheck:  skipRepoCheck,
		verbose:        verbose,
	}
	if err := run(ctx, client, cfg); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

type runConfig struct {
	namespace      string
	secretName     string
	image          string
	labelSelector  string
	serviceAccount string
	executionID    string
	concurrency    int
	volumeTimeout  time.Duration
	dryRun         bool
	skipRepoCheck  bool
	verbose        bool
}

func run(ctx context.Context, client kubernetes.Interface, cfg runConfig) error {
	if cfg.dryRun {
		fmt.Println("RUNNING IN DRY-RUN MODE: no pods will be launched")
	}

	// Step 1: Load repository credentials
	secret, err := client.CoreV1().Secrets(cfg.namespace).Get(ctx, cfg.secretName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("reading credentials secret %s/%s: %w", cfg.namespace, cfg.secretName, err)
	}
	credsEnv := launcher.EnvFromSecret(secret)

	// Step 2: Repository preflight
	if cfg.skipRepoCheck {
		fmt.Println("Warning: skipping repository check")
	} else if err := checkRepository(ctx, secret, cfg.dryRun, cfg.verbose); err != nil {
		return err
	}

	inv := inventory.New(client, cfg.verbose)
	l := launcher.New(client, launcher.Options{
		Image:          cfg.image,
		Env:            credsEnv,
		ServiceAccount: cfg.serviceAccount,
		ExecutionID:    cfg.executionID,
		Verbose:        cfg.verbose,
	})
	sup := supervisor.New(client, inv, l, cfg.verbose)

	// Step 3: Dry run stops after discovery and resolution
	if cfg.dryRun {
		fmt.Printf("Discovering candidate volumes (selector %q)...\n", cfg.labelSelector)
		plans, skipped, err := sup.Plan(ctx, cfg.labelSelector)
		if err != nil {
			return err
		}
		fmt.Printf("Found %d volume(s) to back up, %d skipped\n", len(plans), len(skipped))
		printDryRun(plans, skipped)
		return nil
	}

	// Step 4: Run the pass
	fmt.Printf("Starting backup pass (selector %q, execution id %s)...\n", cfg.labelSelector, cfg.executionID)
	report, err := sup.RunPass(ctx, supervisor.Options{
		LabelSelector: cfg.labelSelector,
		Concurrency:   cfg.concurrency,
		VolumeTimeout: cfg.volumeTimeout,
	})
	if err != nil {
		return err
	}

	// Step 5: Report
	printSummary(report)
	if report.HasFailures() {
		return fmt.Errorf("some backups failed (see above)")
	}
	return nil
}

// checkRepository verifies that the restic repository behind the secret
// exists and has been initialized. Non-s3 repositories cannot be inspected
// without restic and are waved through. On dry-run an uninitialized
// repository is only a warning.
func checkRepository(ctx context.Context, secret *corev1.Secret, dryRun, verbose bool) error {
	creds, err := repo.CredentialsFromSecret(secret)
	if err != nil {
		return err
	}

	checker, err := repo.NewChecker(creds, verbose)
	if errors.Is(err, repo.ErrNotS3) {
		fmt.Println("Repository is not s3-backed, skipping initialization check")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println("Checking repository initialization...")
	initialized, err := checker.Initialized(ctx)
	if err != nil {
		return fmt.Errorf("repository check failed (use --skip-repo-check to bypass): %w", err)
	}
	if !initialized {
		if dryRun {
			fmt.Println("Warning: repository is not initialized")
			return nil
		}
		return fmt.Errorf("repository %s is not initialized, run \"restic init\" against it first", creds.Repository)
	}

	if verbose {
		if count, err := checker.SnapshotCount(ctx); err == nil {
			fmt.Printf("Repository initialized, %d snapshot(s) present\n", count)
		}
	}
	return nil
}

func printDryRun(plans []types.ExecutionPlan, skipped []types.VolumeResult) {
	fmt.Println("\n=== DRY RUN ===")
	if len(plans) > 0 {
		fmt.Println("\nWould launch worker pods:")
		for _, p := range plans {
			where := "any node"
			if p.Mode == types.MountPinned {
				where = "pinned to node " + p.Node
			}
			fmt.Printf("  - %s (%s)\n", p.Volume.Key(), where)
		}
	}
	if len(skipped) > 0 {
		fmt.Println("\nWould skip:")
		for _, s := range skipped {
			fmt.Printf("  - %s: %s\n", s.Volume.Key(), s.Reason)
		}
	}
}

func printSummary(report types.RunReport) {
	fmt.Println("\n=== Backup Summary ===")
	for _, res := range report.Results {
		switch res.Outcome {
		case types.OutcomeSucceeded:
			fmt.Printf("  OK    %s (%s)\n", res.Volume.Key(), formatDuration(res.Duration))
		case types.OutcomeSkipped:
			fmt.Printf("  SKIP  %s: %s\n", res.Volume.Key(), res.Reason)
		default:
			fmt.Printf("  FAIL  %s: %s\n", res.Volume.Key(), res.Reason)
			if res.ExitCode != nil {
				fmt.Printf("        exit code: %d\n", *res.ExitCode)
			}
			if res.LogTail != "" {
				fmt.Printf("        last log lines:\n%s\n", indent(res.LogTail, "        | "))
			}
		}
	}
	fmt.Printf("\n%d succeeded, %d failed, %d skipped\n", report.Succeeded, report.Failed, report.Skipped)
}

// formatDuration renders a duration the way operators read it: the two most
// significant units.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d >= 24*time.Hour:
		days := d / (24 * time.Hour)
		hours := (d % (24 * time.Hour)) / time.Hour
		return fmt.Sprintf("%dd%dh", days, hours)
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func buildClient(kubeconfig string) (kubernetes.Interface, error) {
	var config *rest.Config
	var err error

	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		// Try in-cluster first
		config, err = rest.InClusterConfig()
		if err != nil {
			loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
			configOverrides := &clientcmd.ConfigOverrides{}
			config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides).ClientConfig()
		}
	}
	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(config)
}
