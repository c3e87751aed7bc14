package repo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	corev1 "k8s.io/api/core/v1"
)

// Secret keys expected in the credentials object.
const (
	RepositoryKey      = "RESTIC_REPOSITORY"
	PasswordKey        = "RESTIC_PASSWORD"
	AccessKeyIDKey     = "AWS_ACCESS_KEY_ID"
	SecretAccessKeyKey = "AWS_SECRET_ACCESS_KEY"
)

// ErrNotS3 is returned for repository schemes the preflight cannot inspect.
var ErrNotS3 = errors.New("repository is not an s3 repository")

// Credentials holds the repository coordinates taken from the credentials
// secret.
type Credentials struct {
	Repository      string
	AccessKeyID     string
	SecretAccessKey string
}

// CredentialsFromSecret extracts and validates repository credentials from
// the in-cluster secret.
func CredentialsFromSecret(secret *corev1.Secret) (*Credentials, error) {
	creds := &Credentials{
		Repository:      string(secret.Data[RepositoryKey]),
		AccessKeyID:     string(secret.Data[AccessKeyIDKey]),
		SecretAccessKey: string(secret.Data[SecretAccessKeyKey]),
	}

	if creds.Repository == "" {
		return nil, fmt.Errorf("credentials secret: %s is required", RepositoryKey)
	}
	if len(secret.Data[PasswordKey]) == 0 {
		return nil, fmt.Errorf("credentials secret: %s is required", PasswordKey)
	}
	if strings.HasPrefix(creds.Repository, "s3:") {
		if creds.AccessKeyID == "" {
			return nil, fmt.Errorf("credentials secret: %s is required for s3 repositories", AccessKeyIDKey)
		}
		if creds.SecretAccessKey == "" {
			return nil, fmt.Errorf("credentials secret: %s is required for s3 repositories", SecretAccessKeyKey)
		}
	}
	return creds, nil
}

// S3Location is a parsed restic s3 repository string.
type S3Location struct {
	Endpoint string
	Secure   bool
	Bucket   string
	Prefix   string
}

// ParseS3Repository parses restic's s3 repository forms:
// "s3:host/bucket[/prefix]" and "s3:http[s]://host[:port]/bucket[/prefix]".
func ParseS3Repository(repository string) (*S3Location, error) {
	if !strings.HasPrefix(repository, "s3:") {
		return nil, ErrNotS3
	}
	rest := strings.TrimPrefix(repository, "s3:")

	loc := &S3Location{Secure: true}
	var path string

	if strings.HasPrefix(rest, "http://") || strings.HasPrefix(rest, "https://") {
		u, err := url.Parse(rest)
		if err != nil {
			return nil, fmt.Errorf("parsing repository %q: %w", repository, err)
		}
		loc.Endpoint = u.Host
		loc.Secure = u.Scheme == "https"
		path = strings.TrimPrefix(u.Path, "/")
	} else {
		endpoint, after, ok := strings.Cut(rest, "/")
		if !ok {
			return nil, fmt.Errorf("repository %q has no bucket", repository)
		}
		loc.Endpoint = endpoint
		path = after
	}

	bucket, prefix, _ := strings.Cut(path, "/")
	if bucket == "" {
		return nil, fmt.Errorf("repository %q has no bucket", repository)
	}
	loc.Bucket = bucket
	loc.Prefix = strings.TrimSuffix(prefix, "/")

	if loc.Endpoint == "" {
		return nil, fmt.Errorf("repository %q has no endpoint", repository)
	}
	return loc, nil
}

// Checker inspects the state of an s3-backed restic repository without
// invoking restic itself.
type Checker struct {
	mc      *minio.Client
	loc     *S3Location
	verbose bool
}

// NewChecker builds a checker for the repository referenced by creds.
// Returns ErrNotS3 for schemes it cannot inspect.
func NewChecker(creds *Credentials, verbose bool) (*Checker, error) {
	loc, err := ParseS3Repository(creds.Repository)
	if err != nil {
		return nil, err
	}

	mc, err := minio.New(loc.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, ""),
		Secure: loc.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	return &Checker{mc: mc, loc: loc, verbose: verbose}, nil
}

// object returns the full key of a repository file under the prefix.
func (c *Checker) object(name string) string {
	if c.loc.Prefix == "" {
		return name
	}
	return c.loc.Prefix + "/" + name
}

// Initialized reports whether the repository has been created with
// "restic init": an initialized repository always has a "config" object.
func (c *Checker) Initialized(ctx context.Context) (bool, error) {
	key := c.object("config")
	c.logf("Checking for s3://%s/%s", c.loc.Bucket, key)

	_, err := c.mc.StatObject(ctx, c.loc.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, fmt.Errorf("checking repository config: %w", err)
	}
	return true, nil
}

// SnapshotCount counts the snapshot objects in the repository. Informational
// only; restic owns the repository layout.
func (c *Checker) SnapshotCount(ctx context.Context) (int, error) {
	prefix := c.object("snapshots/")
	c.logf("Listing s3://%s/%s", c.loc.Bucket, prefix)

	count := 0
	for obj := range c.mc.ListObjects(ctx, c.loc.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return 0, fmt.Errorf("listing snapshots: %w", obj.Err)
		}
		count++
	}
	return count, nil
}

func (c *Checker) logf(format string, args ...interface{}) {
	if c.verbose {
		log.Printf("[repo] "+format, args...)
	}
}
