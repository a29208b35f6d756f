package unwatermark

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// UploadField is the multipart field that carries the image.
const UploadField = "original_image_file"

const maxEnvelopeBytes = 1 << 20

func encodeUpload(payload []byte) (*bytes.Buffer, string, error) {
	filename, contentType := sniffImage(payload)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, UploadField, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", fmt.Errorf("write multipart part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

// submit uploads payload to the job-creation endpoint and returns the job id.
func (s *session) submit(ctx context.Context, payload []byte) (string, error) {
	ctx, span := s.tracer.Start(ctx, "unwatermark.submit", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.Int("upload.bytes", len(payload)))
	defer span.End()

	jobID, err := s.doSubmit(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return "", err
	}
	span.SetAttributes(attribute.String("job.id", jobID))
	return jobID, nil
}

func (s *session) doSubmit(ctx context.Context, payload []byte) (string, error) {
	body, contentType, err := encodeUpload(payload)
	if err != nil {
		return "", wrapKind(KindSubmission, "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.createJobURL, body)
	if err != nil {
		return "", wrapKind(KindSubmission, "", fmt.Errorf("build create-job request: %w", err))
	}
	s.applyHeaders(req)
	req.Header.Set("Content-Type", contentType)

	s.logger.Debug("submitting job", zap.Int("bytes", len(payload)), zap.String("url", s.createJobURL))
	resp, err := s.http.Do(req)
	if err != nil {
		return "", wrapKind(ctxKind(ctx, KindSubmission), "", fmt.Errorf("create-job request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	if err != nil {
		return "", wrapKind(KindSubmission, "", fmt.Errorf("read create-job response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", wrapKind(KindSubmission, "", &statusError{URL: s.createJobURL, StatusCode: resp.StatusCode, Body: truncate(string(data), 200)})
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		return "", wrapKind(KindSubmission, "", err)
	}
	if !env.ok() || env.jobID() == "" {
		return "", apiError("", env)
	}
	return env.jobID(), nil
}

func (s *session) applyHeaders(req *http.Request) {
	for key, values := range s.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}
