package notepad

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3 is a Notepad kept in a single S3 object as newline separated
// identifiers.  The object is read on every call and rewritten on every
// Add; concurrent writers may lose each other's additions.
type S3 struct {
	client s3iface.S3API
	bucket string
	key    string
}

var _ Notepad = (*S3)(nil)

// NewS3 returns a notepad stored at s3://bucket/key.
func NewS3(client s3iface.S3API, bucket, key string) *S3 {
	return &S3{client: client, bucket: bucket, key: key}
}

// Contains implements Notepad.
func (s *S3) Contains(ctx context.Context, id string) (bool, error) {
	ids, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, id), nil
}

// Add implements Notepad.
func (s *S3) Add(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if strings.ContainsAny(id, "\r\n") {
		return fmt.Errorf("notepad: identifier %q contains a line break", id)
	}
	ids, err := s.load(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	ids = append(ids, id)

	body := []byte(strings.Join(ids, "\n") + "\n")
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

// load returns the recorded identifiers.  A missing object is an empty
// notepad.
func (s *S3) load(ctx context.Context) ([]string, error) {
	obj, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer obj.Body.Close()

	var ids []string
	sc := bufio.NewScanner(obj.Body)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			ids = append(ids, line)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return ids, nil
}

func isNotFound(err error) bool {
	var rerr awserr.RequestFailure
	if errors.As(err, &rerr) && rerr.StatusCode() == 404 {
		return true
	}
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey
}
