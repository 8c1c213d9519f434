package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"putsum/pkg/upload"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Runner performs the upload of a scenario.
type Runner interface {
	Name() string

	// Put uploads the scenario to bucket and returns the framing used, when
	// the runner knows it.
	Put(ctx context.Context, bucket string, s Scenario) (string, error)
}

// ClientRunner uploads through the checksum-aware upload client.
type ClientRunner struct {
	Client *upload.Client
}

func (r *ClientRunner) Name() string {
	return "client"
}

func (r *ClientRunner) Put(ctx context.Context, bucket string, s Scenario) (string, error) {
	req := s.Request(bucket)

	plan, err := upload.ResolveFraming(req, r.Client.Threshold())
	if err != nil {
		return "", err
	}
	if s.WantFraming != 0 && plan.Framing != s.WantFraming {
		return plan.Framing.String(), fmt.Errorf("framing resolved to %s, expected %s", plan.Framing, s.WantFraming)
	}

	result, err := r.Client.Upload(ctx, req)
	if err != nil {
		return plan.Framing.String(), err
	}
	return result.Framing.String(), nil
}

// SDKRunner uploads with the AWS SDK PutObject operation, passing the
// precalculated checksum the same way as the upload client.
type SDKRunner struct {
	Client *s3.Client
}

func (r *SDKRunner) Name() string {
	return "sdk"
}

// oneShotReader hides any Seek method of the wrapped reader.
type oneShotReader struct {
	io.Reader
}

func (r *SDKRunner) Put(ctx context.Context, bucket string, s Scenario) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(s.Name),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"scenario": s.Name},
	}
	if s.DeclareLength {
		input.ContentLength = aws.Int64(int64(len(s.Payload)))
	}
	if s.Digest != nil {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmSha256
		input.ChecksumSHA256 = aws.String(s.Digest.Base64())
	}

	framing := "sdk/seekable"
	input.Body = bytes.NewReader(s.Payload)
	if s.SinglePass {
		framing = "sdk/single-pass"
		input.Body = oneShotReader{Reader: bytes.NewReader(s.Payload)}
	}

	if _, err := r.Client.PutObject(ctx, input); err != nil {
		return framing, classifySDKError(err)
	}
	return framing, nil
}

// classifySDKError tags SDK response errors with the upload error kind of
// their S3 error code.
func classifySDKError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	status := 0
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		status = withStatus.HTTPStatusCode()
	}
	return fmt.Errorf("%w: %w", upload.ClassifyCode(status, apiErr.ErrorCode()), err)
}
