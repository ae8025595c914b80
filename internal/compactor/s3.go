package compactor

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/hashicorp/go-hclog"
)

type S3Client struct {
	s3     s3iface.S3API
	logger hclog.Logger
}

func NewS3Client(api s3iface.S3API, logger hclog.Logger) *S3Client {
	return &S3Client{s3: api, logger: logger}
}

// Day is the set of log objects delivered on one calendar day.
type Day struct {
	name string
	objs []*s3.Object
}

// ScanDaysCh lists the log objects under prefix and groups consecutive keys
// by the date S3 stamps into their names. Listing is lexical, so each day
// arrives exactly once. The error channel yields the listing error, if any,
// after the day channel is closed.
func (c *S3Client) ScanDaysCh(ctx context.Context, bucket, prefix string) (<-chan *Day, <-chan error) {
	out := make(chan *Day, 1)
	errc := make(chan error, 1)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	go func() {
		defer close(errc)
		defer close(out)
		var day Day
		send := func() bool {
			if len(day.objs) == 0 {
				return true
			}
			d := day
			select {
			case out <- &d:
			case <-ctx.Done():
				return false
			}
			day = Day{}
			return true
		}
		err := c.s3.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			if ctx.Err() != nil {
				c.logger.Info(ctx.Err().Error())
				return false
			}
			for _, o := range page.Contents {
				name, ok := dayString(o)
				if !ok {
					c.logger.Warn("skipping object without a date", "key", aws.StringValue(o.Key))
					continue
				}
				if day.name != name {
					if !send() {
						return false
					}
					day.name = name
				}
				day.objs = append(day.objs, o)
			}
			return true
		})
		if err != nil {
			c.logger.Error("listing failed", "bucket", bucket, "prefix", prefix, "error", err)
			errc <- fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
			return
		}
		send()
	}()
	return out, errc
}

// DedupeObjects drops objects whose base name was already seen. Log
// delivery can leave the same object under more than one prefix.
func DedupeObjects(objs []*s3.Object) []*s3.Object {
	set := make(map[string]struct{})
	out := make([]*s3.Object, 0, len(objs))
	for _, obj := range objs {
		base := baseName(aws.StringValue(obj.Key))
		if _, ok := set[base]; !ok {
			out = append(out, obj)
			set[base] = struct{}{}
		}
	}
	return out
}

func (c *S3Client) GetObj(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	output, err := c.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to get %s: %w", key, err)
	}
	return output.Body, nil
}

func (c *S3Client) PutObj(ctx context.Context, bucket, key string, body io.ReadSeeker) error {
	_, err := c.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		Body:            body,
		ContentType:     aws.String("text/tab-separated-values"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("unable to put %s: %w", key, err)
	}
	c.logger.Debug("uploaded object", "bucket", bucket, "key", key)
	return nil
}

func (c *S3Client) MoveObj(ctx context.Context, obj *s3.Object, srcBucket, dstBucket, newPrefix string, deleteAfter bool) error {
	key := aws.StringValue(obj.Key)
	newKey := newKey(key, newPrefix)
	copyIn := &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		CopySource: aws.String(srcBucket + "/" + key),
		Key:        aws.String(newKey),
	}
	_, err := c.s3.CopyObjectWithContext(ctx, copyIn)
	if err != nil {
		return fmt.Errorf("failed moving %s: %w", key, err)
	}
	if deleteAfter {
		if err = c.DeleteObj(ctx, srcBucket, key); err != nil {
			return err
		}
	}
	c.logger.Debug("moved object",
		"srcBucket", srcBucket,
		"dstBucket", dstBucket,
		"oldKey", key,
		"newKey", newKey)
	return nil
}

func (c *S3Client) DeleteObj(ctx context.Context, srcBucket, key string) error {
	deleteInput := &s3.DeleteObjectInput{
		Bucket: aws.String(srcBucket),
		Key:    aws.String(key),
	}
	_, err := c.s3.DeleteObjectWithContext(ctx, deleteInput)
	if err != nil {
		return fmt.Errorf("unable to delete %s: %w", key, err)
	}
	return nil
}

func newKey(currentKey, newPrefx string) string {
	item := baseName(currentKey)
	newPrefix := strings.TrimRight(newPrefx, "/")
	if newPrefix == "" {
		return item
	}
	return newPrefix + "/" + item
}

func baseName(key string) string {
	splt := strings.Split(key, "/")
	return splt[len(splt)-1]
}

// dayString extracts the date from a log object key such as
// logs/2019-02-23-00-05-17-6E3C8FD0EXAMPLE.
func dayString(obj *s3.Object) (string, bool) {
	base := baseName(aws.StringValue(obj.Key))
	if len(base) < 10 || base[4] != '-' || base[7] != '-' {
		return "", false
	}
	return base[:10], true
}
