package results

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Store persists the history document as a single JSON object in S3 so that
// repeated passes can skip benchmarks that are still fresh.
type Store struct {
	s3     *s3.Client
	bucket string
	key    string
}

func NewStore(cfg aws.Config, bucket, key string) *Store {
	return &Store{
		s3:     s3.NewFromConfig(cfg),
		bucket: bucket,
		key:    key,
	}
}

// Load fetches the history document. A missing document is an empty history,
// not an error.
func (s *Store) Load(ctx context.Context) (*History, error) {
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var noKey *s3Types.NoSuchKey
		if errors.As(err, &noKey) {
			slog.Debug("no history document yet", slog.String("bucket", s.bucket), slog.String("key", s.key))
			return &History{}, nil
		}
		return nil, fmt.Errorf("failed to fetch history document: %w", err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read history document: %w", err)
	}
	h := &History{}
	err = json.Unmarshal(buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to parse history document: %w", err)
	}
	slog.Debug("loaded history", slog.Int("rows", len(h.Rows)))
	return h, nil
}

// Save writes the history document back.
func (s *Store) Save(ctx context.Context, h *History) error {
	buf, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, err = s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   bytes.NewReader(buf),
	})
	if err != nil {
		return fmt.Errorf("failed to store history document: %w", err)
	}
	slog.Debug("saved history", slog.Int("rows", len(h.Rows)))
	return nil
}

// WriteJSON exports rows to a local file.
func WriteJSON(path string, rows []ScoreRow) error {
	buf, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, os.ModePerm)
}

// RenderTable writes a human-readable table of the rows.
func RenderTable(w io.Writer, rows []ScoreRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tBENCHMARK\tCPUS\tSCORE\tDATE")
	for _, row := range rows {
		score := "-"
		if row.Score != nil {
			score = strconv.FormatFloat(*row.Score, 'f', -1, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			row.InstanceType, row.BenchmarkID, row.CPUCount, score, row.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
