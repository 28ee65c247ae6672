package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

type ChunkJob struct {
	SrcBucket   string
	Key         string
	ContentType string
	DstBucket   string
	UploadID    string
	Part        int32
	StartByte   int64
	EndByte     int64
}

func (j ChunkJob) Range() ByteRange {
	return ByteRange{Part: j.Part, Start: j.StartByte, End: j.EndByte}
}

// ChunkSession tracks one multipart upload. PartCount is rewritten with the
// number of completed parts on every part completion, never incremented.
type ChunkSession struct {
	UploadID      string `dynamodbav:"upload_id"`
	SrcBucket     string `dynamodbav:"source_bucket"`
	DstBucket     string `dynamodbav:"destination_bucket"`
	Key           string `dynamodbav:"key"`
	ContentType   string `dynamodbav:"content_type"`
	ContentLength int64  `dynamodbav:"content_length"`
	PartSize      int64  `dynamodbav:"part_size"`
	PartQty       int32  `dynamodbav:"part_qty"`
	PartCount     int32  `dynamodbav:"part_count"`
	Complete      Flag   `dynamodbav:"complete"`
	CreatedAt     int64  `dynamodbav:"created_at"`
	UpdatedAt     int64  `dynamodbav:"updated_at"`
	CompleteTime  int64  `dynamodbav:"complete_time,omitempty"`
	// Token is written with the row, ClaimToken with the completion claim.
	Token      string `dynamodbav:"token"`
	ClaimToken string `dynamodbav:"claim_token,omitempty"`
}

func (s ChunkSession) Ranges() []ByteRange {
	return PartRanges(s.ContentLength, s.PartSize)
}

func (s ChunkSession) JobFor(r ByteRange) ChunkJob {
	return ChunkJob{
		SrcBucket:   s.SrcBucket,
		Key:         s.Key,
		ContentType: s.ContentType,
		DstBucket:   s.DstBucket,
		UploadID:    s.UploadID,
		Part:        r.Part,
		StartByte:   r.Start,
		EndByte:     r.End,
	}
}

// ChunkPart is written when a part job starts and carries the etag once
// the part is uploaded.
type ChunkPart struct {
	UploadID     string `dynamodbav:"upload_id"`
	Part         int32  `dynamodbav:"part"`
	StartByte    int64  `dynamodbav:"start_byte"`
	EndByte      int64  `dynamodbav:"end_byte"`
	SrcBucket    string `dynamodbav:"src_bucket"`
	DstBucket    string `dynamodbav:"dst_bucket"`
	Key          string `dynamodbav:"key"`
	ContentType  string `dynamodbav:"content_type"`
	PartComplete Flag   `dynamodbav:"part_complete"`
	StartTime    int64  `dynamodbav:"start_time"`
	FinishTime   int64  `dynamodbav:"finish_time,omitempty"`
	ETag         string `dynamodbav:"etag,omitempty"`
}

func (p ChunkPart) Job() ChunkJob {
	return ChunkJob{
		SrcBucket:   p.SrcBucket,
		Key:         p.Key,
		ContentType: p.ContentType,
		DstBucket:   p.DstBucket,
		UploadID:    p.UploadID,
		Part:        p.Part,
		StartByte:   p.StartByte,
		EndByte:     p.EndByte,
	}
}

// CompletedPart is what the destination needs to assemble the object.
type CompletedPart struct {
	Part int32
	ETag string
}

type chunkJobMessage struct {
	SrcBucket   string `json:"src_bucket"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	DstBucket   string `json:"dst_bucket"`
	UploadID    string `json:"upload_id"`
	Part        string `json:"part"`
	StartByte   string `json:"start_byte"`
	EndByte     string `json:"end_byte"`
}

func EncodeChunkJob(j ChunkJob) ([]byte, error) {
	return json.Marshal(chunkJobMessage{
		SrcBucket:   j.SrcBucket,
		Key:         j.Key,
		ContentType: j.ContentType,
		DstBucket:   j.DstBucket,
		UploadID:    j.UploadID,
		Part:        strconv.FormatInt(int64(j.Part), 10),
		StartByte:   strconv.FormatInt(j.StartByte, 10),
		EndByte:     strconv.FormatInt(j.EndByte, 10),
	})
}

func DecodeChunkJob(body []byte) (ChunkJob, error) {
	var msg chunkJobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return ChunkJob{}, fmt.Errorf("decode chunk job: %w", err)
	}
	if msg.UploadID == "" || msg.Key == "" || msg.SrcBucket == "" || msg.DstBucket == "" {
		return ChunkJob{}, errors.New("chunk job is missing upload_id, key or buckets")
	}

	part, err := strconv.ParseInt(msg.Part, 10, 32)
	if err != nil || part < 1 {
		return ChunkJob{}, fmt.Errorf("invalid part %q", msg.Part)
	}
	start, err := strconv.ParseInt(msg.StartByte, 10, 64)
	if err != nil || start < 0 {
		return ChunkJob{}, fmt.Errorf("invalid start_byte %q", msg.StartByte)
	}
	end, err := strconv.ParseInt(msg.EndByte, 10, 64)
	if err != nil || end < start {
		return ChunkJob{}, fmt.Errorf("invalid end_byte %q", msg.EndByte)
	}

	return ChunkJob{
		SrcBucket:   msg.SrcBucket,
		Key:         msg.Key,
		ContentType: msg.ContentType,
		DstBucket:   msg.DstBucket,
		UploadID:    msg.UploadID,
		Part:        int32(part),
		StartByte:   start,
		EndByte:     end,
	}, nil
}
