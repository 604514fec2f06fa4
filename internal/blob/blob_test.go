package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *[32]byte {
	t.Helper()
	key, err := DeriveMasterKey("correct horse battery staple")
	require.NoError(t, err)
	return key
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"a", "users/1/a.txt", "users/1/a_1.txt"} {
		assert.NoError(t, ValidateKey(key), key)
	}
	for _, key := range []string{"", "/abs", "../up", "users/../../x", "a//b", "a/./b", ".", "win\\path"} {
		assert.Error(t, ValidateKey(key), key)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("patrakosh "), 1000)
	codecs := map[string]*Codec{
		"plain":             NewCodec(false, nil),
		"compressed":        NewCodec(true, nil),
		"encrypted":         NewCodec(false, testKey(t)),
		"compressed+sealed": NewCodec(true, testKey(t)),
	}
	for name, c := range codecs {
		t.Run(name, func(t *testing.T) {
			stored, err := c.Encode("users/1/a.txt", data)
			require.NoError(t, err)
			got, err := c.Decode("users/1/a.txt", stored)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}

	stored, err := codecs["compressed"].Encode("k", data)
	require.NoError(t, err)
	assert.Less(t, len(stored), len(data))
}

func TestCodecEncryptionIsBoundToKey(t *testing.T) {
	c := NewCodec(true, testKey(t))
	stored, err := c.Encode("users/1/a.txt", []byte("secret"))
	require.NoError(t, err)
	assert.NotContains(t, string(stored), "secret")

	_, err = c.Decode("users/2/a.txt", stored)
	assert.Error(t, err)

	stored[len(stored)-1] ^= 0xff
	_, err = c.Decode("users/1/a.txt", stored)
	assert.Error(t, err)

	_, err = NewCodec(false, nil).Decode("users/1/a.txt", stored)
	assert.Error(t, err, "encrypted blob without a key")

	_, err = c.Decode("k", nil)
	assert.Error(t, err)
}

func TestCodecReadsBlobsWrittenWithOtherSettings(t *testing.T) {
	stored, err := NewCodec(false, nil).Encode("k", []byte("hello"))
	require.NoError(t, err)
	got, err := NewCodec(true, testKey(t)).Decode("k", stored)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestDeriveMasterKey(t *testing.T) {
	a, err := DeriveMasterKey("x")
	require.NoError(t, err)
	b, err := DeriveMasterKey("x")
	require.NoError(t, err)
	assert.Equal(t, *a, *b)

	_, err = DeriveMasterKey("")
	assert.Error(t, err)
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	ok, err := s.Exists(ctx, "users/1/a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "users/1/a.txt")
	assert.ErrorIs(t, err, ErrNotExist)

	require.NoError(t, s.Put(ctx, "users/1/a.txt", []byte("first")))
	require.NoError(t, s.Put(ctx, "users/1/a.txt", []byte("second")))

	ok, err = s.Exists(ctx, "users/1/a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "users/1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	require.NoError(t, s.Put(ctx, "users/1/empty", nil))
	got, err = s.Get(ctx, "users/1/empty")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Delete(ctx, "users/1/a.txt"))
	require.NoError(t, s.Delete(ctx, "users/1/a.txt"), "deleting twice is fine")
	ok, err = s.Exists(ctx, "users/1/a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.Put(ctx, "../escape", []byte("x")))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(NewCodec(true, testKey(t))))
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), NewCodec(true, nil))
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFSStoreDirectoryIsNotABlob(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "users/1/a.txt", []byte("x")))

	ok, err := s.Exists(ctx, "users/1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFSStoreHonoursCancellation(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Put(ctx, "a", []byte("x")), context.Canceled)
}

// fakeS3 is an in-memory S3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return nil, f.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	s, err := NewS3Store(fake, "files", "patrakosh", NewCodec(true, testKey(t)))
	require.NoError(t, err)
	exerciseStore(t, s)

	require.NoError(t, s.Put(context.Background(), "users/9/b.txt", []byte("x")))
	fake.mu.Lock()
	_, ok := fake.objects["files/patrakosh/users/9/b.txt"]
	fake.mu.Unlock()
	assert.True(t, ok, "objects are stored under the prefix")
}

func TestS3StoreErrors(t *testing.T) {
	_, err := NewS3Store(newFakeS3(), "", "", nil)
	assert.Error(t, err)

	fake := newFakeS3()
	fake.failPut = errors.New("throttled")
	s, err := NewS3Store(fake, "files", "", nil)
	require.NoError(t, err)
	err = s.Put(context.Background(), "a", []byte("x"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "throttled"))
}
