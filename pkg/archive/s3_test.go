package archive

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
)

// bucketTransport serves PutObject and GetObject from memory.
type bucketTransport struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *bucketTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := strings.TrimPrefix(req.URL.Path, "/")
	switch req.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if decoded, ok := decodeChunked(body); ok {
			body = decoded
		}
		b.objects[key] = body
		return response(http.StatusOK, nil), nil
	case http.MethodGet:
		body, ok := b.objects[key]
		if !ok {
			return response(http.StatusNotFound, nil), nil
		}
		resp := response(http.StatusOK, body)
		resp.Header.Set("Content-Type", "application/json")
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
		return resp, nil
	}
	return response(http.StatusNotImplemented, nil), nil
}

func response(status int, body []byte) *http.Response {
	return &http.Response{StatusCode: status, Header: http.Header{}, Body: io.NopCloser(bytes.NewReader(body))}
}

// decodeChunked unwraps a single-chunk aws-chunked payload.
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 || parts[2] != "0" {
		return nil, false
	}
	size, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil || int64(len(parts[1])) != size {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newTestArchive(t *testing.T) (*S3Archive, *bucketTransport) {
	t.Helper()
	transport := &bucketTransport{objects: map[string][]byte{}}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: transport}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://archive.s3.local")
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	logger := ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {})
	return NewWithClient(client, "backups", "", logger), transport
}

func TestS3Archive_PutThenGet(t *testing.T) {
	archive, transport := newTestArchive(t)
	ctx := context.Background()

	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	backup := models.Backup{
		Version:       models.BackupVersion,
		Type:          models.MergeActionTypeMember,
		MergeActionID: "action-1",
		CapturedAt:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Primary: models.EntitySnapshot{
			Entity:     models.Entity{ID: "m1", TenantID: "t1", Type: models.EntityTypeMember},
			Identities: []models.Identity{{ID: "i1", EntityID: "m1", Platform: "github", Type: "username", Value: "alice"}},
		},
		Secondary: models.EntitySnapshot{
			Entity:      models.Entity{ID: "m2", TenantID: "t1", Type: models.EntityTypeMember},
			Memberships: []models.Membership{{ID: "ms1", TenantID: "t1", MemberID: "m2", OrganizationID: "o1", DateStart: &start}},
		},
	}

	require.NoError(t, archive.Put(ctx, "t1", backup))
	assert.Contains(t, transport.objects, "backups/merge-backups/t1/action-1.json")

	got, err := archive.Get(ctx, "t1", "action-1")
	require.NoError(t, err)
	assert.Equal(t, backup.Primary.Identities, got.Primary.Identities)
	assert.Equal(t, "o1", got.Secondary.Memberships[0].OrganizationID)
	assert.True(t, start.Equal(*got.Secondary.Memberships[0].DateStart))
	require.NoError(t, got.Check(models.MergeActionTypeMember, "m1"))
}

func TestS3Archive_GetMissing(t *testing.T) {
	archive, _ := newTestArchive(t)
	_, err := archive.Get(context.Background(), "t1", "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestS3Archive_PutRequiresActionID(t *testing.T) {
	archive, _ := newTestArchive(t)
	err := archive.Put(context.Background(), "t1", models.Backup{})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestS3Archive_Key(t *testing.T) {
	archive := NewWithClient(nil, "b", "", nil)
	assert.Equal(t, "merge-backups/t1/a1.json", archive.Key("t1", "a1"))
}
