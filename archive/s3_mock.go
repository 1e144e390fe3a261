package archive

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Object is one stored object in the mock.
type MockS3Object struct {
	Key      string
	Content  string
	Metadata map[string]string
}

// MockS3Client is an in-memory S3Client for tests.
type MockS3Client struct {
	mu      sync.Mutex
	Objects map[string]*MockS3Object
	Buckets map[string]bool
	Err     error

	PutCalls  int
	HeadCalls int
}

// NewMockS3Client creates an empty mock with no buckets.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string]*MockS3Object),
		Buckets: make(map[string]bool),
	}
}

// HeadBucket reports whether the bucket was registered via Buckets.
func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil && m.Buckets[*params.Bucket] {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NoSuchBucket{}
}

// HeadObject returns stored metadata or NoSuchKey.
func (m *MockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeadCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Key != nil {
		if obj, ok := m.Objects[*params.Key]; ok {
			return &s3.HeadObjectOutput{
				Metadata:      obj.Metadata,
				ContentLength: aws.Int64(int64(len(obj.Content))),
			}, nil
		}
	}
	return nil, &types.NoSuchKey{}
}

// PutObject stores the object body and metadata.
func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	if m.Err != nil {
		return nil, m.Err
	}

	content := ""
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		content = string(data)
	}
	if params.Key != nil {
		m.Objects[*params.Key] = &MockS3Object{
			Key:      *params.Key,
			Content:  content,
			Metadata: params.Metadata,
		}
	}
	return &s3.PutObjectOutput{}, nil
}

// ListObjectsV2 lists stored objects, honoring Prefix.
func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	prefix := ""
	if params.Prefix != nil {
		prefix = *params.Prefix
	}
	var contents []types.Object
	for key, obj := range m.Objects {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			contents = append(contents, types.Object{
				Key:  aws.String(obj.Key),
				Size: aws.Int64(int64(len(obj.Content))),
			})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}
