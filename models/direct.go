package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// DirectJobID derives the job id from the object key, so every dispatch of
// a key addresses the same result row.
func DirectJobID(key string) string {
	return uuid.NewMD5(uuid.NameSpaceURL, []byte(key)).String()
}

type DirectStreamJob struct {
	ID            string
	Key           string
	ContentLength int64
	ContentType   string
	SrcBucket     string
	DstBucket     string
}

// DirectStreamResult is written by the dispatcher and flipped to Y by the
// worker once the copy landed.
type DirectStreamResult struct {
	ID            string `dynamodbav:"id"`
	Key           string `dynamodbav:"key"`
	ContentLength int64  `dynamodbav:"content_length"`
	ContentType   string `dynamodbav:"content_type"`
	SrcBucket     string `dynamodbav:"src_bucket"`
	DstBucket     string `dynamodbav:"dst_bucket"`
	Complete      Flag   `dynamodbav:"complete"`
	DispatchedAt  int64  `dynamodbav:"dispatched_at"`
	CompleteTime  int64  `dynamodbav:"complete_time,omitempty"`
}

func (r DirectStreamResult) Job() DirectStreamJob {
	return DirectStreamJob{
		ID:            r.ID,
		Key:           r.Key,
		ContentLength: r.ContentLength,
		ContentType:   r.ContentType,
		SrcBucket:     r.SrcBucket,
		DstBucket:     r.DstBucket,
	}
}

// DirectStreamTask is the in-flight record of a running copy. StartTime is
// the liveness timestamp checked by the recovery monitor.
type DirectStreamTask struct {
	ID            string `dynamodbav:"id"`
	Key           string `dynamodbav:"key"`
	ContentLength int64  `dynamodbav:"content_length"`
	ContentType   string `dynamodbav:"content_type"`
	SrcBucket     string `dynamodbav:"src_bucket"`
	DstBucket     string `dynamodbav:"dst_bucket"`
	Complete      Flag   `dynamodbav:"complete"`
	StartTime     int64  `dynamodbav:"start_time"`
}

func (t DirectStreamTask) Job() DirectStreamJob {
	return DirectStreamJob{
		ID:            t.ID,
		Key:           t.Key,
		ContentLength: t.ContentLength,
		ContentType:   t.ContentType,
		SrcBucket:     t.SrcBucket,
		DstBucket:     t.DstBucket,
	}
}

type directJobMessage struct {
	ID            string `json:"id"`
	Key           string `json:"key"`
	ContentLength string `json:"content_length"`
	ContentType   string `json:"content_type"`
	SrcBucket     string `json:"src_bucket"`
	DstBucket     string `json:"dst_bucket"`
}

func EncodeDirectJob(j DirectStreamJob) ([]byte, error) {
	return json.Marshal(directJobMessage{
		ID:            j.ID,
		Key:           j.Key,
		ContentLength: strconv.FormatInt(j.ContentLength, 10),
		ContentType:   j.ContentType,
		SrcBucket:     j.SrcBucket,
		DstBucket:     j.DstBucket,
	})
}

func DecodeDirectJob(body []byte) (DirectStreamJob, error) {
	var msg directJobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return DirectStreamJob{}, fmt.Errorf("decode direct job: %w", err)
	}
	if msg.ID == "" || msg.Key == "" || msg.SrcBucket == "" || msg.DstBucket == "" {
		return DirectStreamJob{}, errors.New("direct job is missing id, key or buckets")
	}

	length, err := strconv.ParseInt(msg.ContentLength, 10, 64)
	if err != nil || length < 0 {
		return DirectStreamJob{}, fmt.Errorf("invalid content_length %q", msg.ContentLength)
	}

	return DirectStreamJob{
		ID:            msg.ID,
		Key:           msg.Key,
		ContentLength: length,
		ContentType:   msg.ContentType,
		SrcBucket:     msg.SrcBucket,
		DstBucket:     msg.DstBucket,
	}, nil
}
