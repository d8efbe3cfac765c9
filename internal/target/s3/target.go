// Package s3 implements an object storage target on top of the AWS SDK. It
// works against AWS itself and against S3-compatible servers (MinIO, Garage,
// Ceph RGW) through a custom endpoint and path-style addressing.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/octylFractal/backup-secretary/internal/backup"
	"github.com/octylFractal/backup-secretary/internal/config"
	"github.com/octylFractal/backup-secretary/internal/plugin"
	"github.com/octylFractal/backup-secretary/internal/vpath"
)

// ID is the plugin id of the S3 target.
var ID = plugin.ID{Capability: plugin.CapabilityTarget, Key: "s3"}

const (
	keyBucket          = "bucket"
	keyPrefix          = "prefix"
	keyRegion          = "region"
	keyEndpoint        = "endpoint"
	keyAccessKeyID     = "accessKeyId"
	keySecretAccessKey = "secretAccessKey"
	keyPathStyle       = "usePathStyle"
)

// ErrEmptyPath is returned when storing a chunk at the root path.
var ErrEmptyPath = errors.New("s3 target: chunk path may not be empty")

// API is the subset of the S3 client the target uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Settings are the connection parameters read from configuration.
type Settings struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Provider returns the plugin provider for the S3 target.
func Provider() plugin.Provider {
	return plugin.Single(ID, func() plugin.Plugin { return &Target{} })
}

// Target stores chunks as objects. The client is created on first use.
type Target struct {
	settings Settings

	mu  sync.Mutex
	api API
}

// NewWithAPI returns a target that uses api directly.
func NewWithAPI(api API, bucket, prefix string) *Target {
	return &Target{settings: Settings{Bucket: bucket, Prefix: prefix}, api: api}
}

func (t *Target) PluginID() plugin.ID { return ID }

func (t *Target) LoadConfiguration(node *config.Node) error {
	bucket, err := node.RequireString(keyBucket)
	if err != nil {
		return err
	}
	s := Settings{Bucket: bucket}
	for key, dst := range map[string]*string{
		keyPrefix:          &s.Prefix,
		keyRegion:          &s.Region,
		keyEndpoint:        &s.Endpoint,
		keyAccessKeyID:     &s.AccessKeyID,
		keySecretAccessKey: &s.SecretAccessKey,
	} {
		if *dst, err = node.StringOr(key, ""); err != nil {
			return err
		}
	}
	pathStyle, err := node.StringOr(keyPathStyle, "false")
	if err != nil {
		return err
	}
	s.UsePathStyle = pathStyle == "true"
	if (s.AccessKeyID == "") != (s.SecretAccessKey == "") {
		return fmt.Errorf("s3 target: %s and %s must be set together", node.Path(keyAccessKeyID), node.Path(keySecretAccessKey))
	}

	t.mu.Lock()
	t.settings = s
	t.api = nil
	t.mu.Unlock()
	return nil
}

func (t *Target) SaveConfiguration(node *config.Node) error {
	s := t.settings
	node.Set(keyBucket, s.Bucket)
	for key, v := range map[string]string{
		keyPrefix:          s.Prefix,
		keyRegion:          s.Region,
		keyEndpoint:        s.Endpoint,
		keyAccessKeyID:     s.AccessKeyID,
		keySecretAccessKey: s.SecretAccessKey,
	} {
		if v != "" {
			node.Set(key, v)
		}
	}
	if s.UsePathStyle {
		node.Set(keyPathStyle, "true")
	}
	return nil
}

func (t *Target) client(ctx context.Context) (API, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.api != nil {
		return t.api, nil
	}

	s := t.settings
	var opts []func(*awsconfig.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.Region))
	}
	if s.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 target: load aws config: %w", err)
	}
	t.api = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
		}
		o.UsePathStyle = s.UsePathStyle
	})
	return t.api, nil
}

// objectKey maps a virtual path onto an object key below the prefix.
func (t *Target) objectKey(p vpath.Path) string {
	return t.settings.Prefix + strings.TrimPrefix(vpath.EncodeSafe(p.String()), "/")
}

func (t *Target) decodeKey(key string) (vpath.Path, error) {
	rel := strings.TrimPrefix(key, t.settings.Prefix)
	decoded, err := vpath.DecodeSafe(rel)
	if err != nil {
		return vpath.Path{}, fmt.Errorf("s3 target: decode %s: %w", key, err)
	}
	return vpath.Root.ResolveString(decoded)
}

// Store uploads the chunk. Seekable content is streamed; anything else is
// buffered so the request can be signed.
func (t *Target) Store(ctx context.Context, chunk backup.Chunk) error {
	key := t.objectKey(chunk.Path())
	if key == t.settings.Prefix {
		return ErrEmptyPath
	}
	api, err := t.client(ctx)
	if err != nil {
		return err
	}

	rc, err := chunk.Open()
	if err != nil {
		return fmt.Errorf("s3 target: open chunk %s: %w", chunk.Path(), err)
	}
	defer rc.Close()

	var body io.Reader = rc
	if _, ok := rc.(io.ReadSeeker); !ok {
		data, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("s3 target: read chunk %s: %w", chunk.Path(), err)
		}
		body = bytes.NewReader(data)
	}

	in := &s3.PutObjectInput{
		Bucket: aws.String(t.settings.Bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if sized, ok := chunk.(backup.Sized); ok && sized.Size() >= 0 {
		in.ContentLength = aws.Int64(sized.Size())
	}
	if _, err := api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3 target: put %s: %w", key, err)
	}
	return nil
}

// Retrieve returns a chunk that downloads the object when opened, or nil if
// no object exists.
func (t *Target) Retrieve(ctx context.Context, p vpath.Path) (backup.Chunk, error) {
	api, err := t.client(ctx)
	if err != nil {
		return nil, err
	}
	key := t.objectKey(p)
	head, err := api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.settings.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3 target: head %s: %w", key, err)
	}
	return &objectChunk{
		ctx:    ctx,
		api:    api,
		bucket: t.settings.Bucket,
		key:    key,
		path:   p,
		size:   aws.ToInt64(head.ContentLength),
	}, nil
}

// List yields every object below the prefix.
func (t *Target) List(ctx context.Context) iter.Seq2[vpath.Path, error] {
	return t.list(ctx, t.settings.Prefix)
}

// ListPrefix yields objects whose virtual path starts with prefix. Object
// stores list by key prefix natively, so partial segments match directly.
func (t *Target) ListPrefix(ctx context.Context, prefix vpath.Path) iter.Seq2[vpath.Path, error] {
	if prefix.IsEmpty() || prefix.Equal(vpath.Root) {
		return t.List(ctx)
	}
	return t.list(ctx, t.objectKey(prefix))
}

func (t *Target) list(ctx context.Context, keyPrefix string) iter.Seq2[vpath.Path, error] {
	return func(yield func(vpath.Path, error) bool) {
		api, err := t.client(ctx)
		if err != nil {
			yield(vpath.Path{}, err)
			return
		}
		pages := s3.NewListObjectsV2Paginator(api, &s3.ListObjectsV2Input{
			Bucket: aws.String(t.settings.Bucket),
			Prefix: aws.String(keyPrefix),
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				yield(vpath.Path{}, fmt.Errorf("s3 target: list %s: %w", keyPrefix, err))
				return
			}
			for _, obj := range page.Contents {
				if !yield(t.decodeKey(aws.ToString(obj.Key))) {
					return
				}
			}
		}
	}
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

type objectChunk struct {
	// ctx is the context of the Retrieve call that produced the chunk; the
	// download happens later, in Open.
	ctx    context.Context
	api    API
	bucket string
	key    string
	path   vpath.Path
	size   int64
}

func (c *objectChunk) Path() vpath.Path { return c.path }

func (c *objectChunk) Size() int64 { return c.size }

func (c *objectChunk) Open() (io.ReadCloser, error) {
	out, err := c.api.GetObject(c.ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 target: get %s: %w", c.key, err)
	}
	return out.Body, nil
}

var _ backup.Target = (*Target)(nil)
