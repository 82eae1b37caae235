package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	obconfig "github.com/optibridge/go-companion/pkg/config"
)

// S3Archive stores records in an S3 bucket, one object per record.
type S3Archive struct {
	client     *s3.Client
	bucketName string
	prefix     string
}

// NewS3Archive creates a new S3Archive from the archive section of the
// configuration.
func NewS3Archive(ctx context.Context, cfg *obconfig.Config) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	if cfg.ArchiveRegion != "" {
		awsCfg.Region = cfg.ArchiveRegion
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveEndpoint)
		}
		if cfg.ArchivePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Archive{
		client:     client,
		bucketName: cfg.ArchiveBucket,
		prefix:     cfg.ArchivePrefix,
	}, nil
}

func (a *S3Archive) key(id string) string {
	key := id + ".avro"
	if a.prefix != "" {
		key = path.Join(a.prefix, key)
	}
	return strings.TrimPrefix(key, "/")
}

func (a *S3Archive) Save(ctx context.Context, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(a.key(rec.ID)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("storing archive record %q: %w", rec.ID, err)
	}
	return nil
}

func (a *S3Archive) Load(ctx context.Context, id string) (Record, error) {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(a.key(id)),
	})
	if err != nil {
		return Record{}, fmt.Errorf("fetching archive record %q: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Record{}, fmt.Errorf("reading archive record %q: %w", id, err)
	}
	return decodeRecord(data)
}

func (a *S3Archive) List(ctx context.Context) ([]Record, error) {
	prefix := ""
	if a.prefix != "" {
		prefix = strings.TrimPrefix(a.prefix+"/", "/")
	}

	var records []Record
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucketName),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing archive bucket: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".avro") {
				continue
			}
			id := strings.TrimSuffix(path.Base(key), ".avro")
			rec, err := a.Load(ctx, id)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}
	return records, nil
}
