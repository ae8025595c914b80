package compactor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/gzip"

	"github.com/abennett/s3logparse/s3log"
)

type fakeS3 struct {
	s3iface.S3API

	mu       sync.Mutex
	objects  map[string]string
	pageSize int
	listErr  error
	puts     map[string][]byte
	copies   []string
	deletes  []string
}

func newFakeS3(objects map[string]string) *fakeS3 {
	return &fakeS3{objects: objects, pageSize: 2, puts: make(map[string][]byte)}
}

func (f *fakeS3) ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	if f.listErr != nil {
		return f.listErr
	}
	f.mu.Lock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.StringValue(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)
	for start := 0; start < len(keys); start += f.pageSize {
		end := start + f.pageSize
		if end > len(keys) {
			end = len(keys)
		}
		page := &s3.ListObjectsV2Output{}
		for _, k := range keys[start:end] {
			page.Contents = append(page.Contents, &s3.Object{Key: aws.String(k)})
		}
		if !fn(page, end == len(keys)) {
			return nil
		}
	}
	return nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CopyObjectWithContext(ctx aws.Context, in *s3.CopyObjectInput, _ ...request.Option) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, aws.StringValue(in.CopySource)+" -> "+aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key))
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key))
	delete(f.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

const template = `owner mybucket [TS] 192.0.2.3 requester REQ REST.GET.OBJECT key "GET /mybucket/key HTTP/1.1" 200 - 113 113 7 5 "-" "curl/7.64" -`

func logLine(ts, req string) string {
	line := strings.Replace(template, "TS", ts, 1)
	return strings.Replace(line, "REQ", req, 1)
}

func testObjects() map[string]string {
	aaaa := logLine("23/Feb/2019:10:00:00 +0000", "R2") + "\n" +
		logLine("23/Feb/2019:10:30:00 +0000", "R3") + "\n"
	bbbb := logLine("23/Feb/2019:09:00:00 +0000", "R1") + "\n" +
		`broken "line` + "\n"
	return map[string]string{
		"logs/2019-02-23-10-00-00-AAAA": aaaa,
		"logs/2019-02-23-09-00-00-BBBB": bbbb,
		"logs/2019-02-24-00-00-00-CCCC": logLine("24/Feb/2019:00:00:01 +0000", "R4") + "\n",
		"logs/not-a-log-object":         "ignored",
	}
}

func readGzipLines(t *testing.T, r io.Reader) []string {
	t.Helper()
	gz, err := gzip.NewReader(r)
	if err != nil {
		t.Fatal(err)
	}
	defer gz.Close()
	var lines []string
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return lines
}

func requestIDs(t *testing.T, lines []string) []string {
	t.Helper()
	var ids []string
	// first line is the header
	for _, l := range lines[1:] {
		cols := strings.Split(l, "\t")
		ids = append(ids, cols[5])
	}
	return ids
}

// dayFiles returns the request ids of every day file for day in dir, in
// file name order.
func dayFiles(t *testing.T, dir, day string) [][]string {
	t.Helper()
	names, err := filepath.Glob(filepath.Join(dir, day+"-*.tsv.gz"))
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(names)
	var out [][]string
	for _, name := range names {
		f, err := os.Open(name)
		if err != nil {
			t.Fatal(err)
		}
		lines := readGzipLines(t, f)
		f.Close()
		if lines[0] != strings.Join(s3log.StandardSchema.Names(), "\t") {
			t.Errorf("%s header = %q", name, lines[0])
		}
		out = append(out, requestIDs(t, lines))
	}
	return out
}

func TestCompact(t *testing.T) {
	fake := newFakeS3(testObjects())
	dir := t.TempDir()
	cfg := &Config{
		SrcBucket:     "src",
		SourcePrefix:  "logs/",
		OutputDir:     dir,
		DstBucket:     "dst",
		DstPrefix:     "compacted/",
		ArchivePrefix: "archive",
		Workers:       2,
		Schema:        s3log.StandardSchema,
	}
	cp, err := NewS3CompactorWithClient(fake, hclog.NewNullLogger(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	stats, err := cp.Compact(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := Stats{Days: 2, Objects: 2, Records: 3, BadLines: 1, Kept: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	files := dayFiles(t, dir, "2019-02-23")
	if len(files) != 1 || strings.Join(files[0], ",") != "R2,R3" {
		t.Errorf("2019-02-23 files = %v, want [[R2 R3]]", files)
	}

	var uploads []string
	for key, put := range fake.puts {
		if strings.HasPrefix(key, "dst/compacted/2019-02-24-") && strings.HasSuffix(key, ".tsv.gz") {
			uploads = append(uploads, key)
			if got := strings.Join(requestIDs(t, readGzipLines(t, strings.NewReader(string(put)))), ","); got != "R4" {
				t.Errorf("2019-02-24 request ids = %s", got)
			}
		}
	}
	if len(uploads) != 1 {
		t.Errorf("2019-02-24 uploads = %v, have %d puts", uploads, len(fake.puts))
	}

	if len(fake.copies) != 2 || len(fake.deletes) != 2 {
		t.Errorf("copies = %v, deletes = %v", fake.copies, fake.deletes)
	}
	for _, c := range fake.copies {
		if !strings.Contains(c, "-> src/archive/") {
			t.Errorf("unexpected copy %s", c)
		}
	}
	for _, op := range append(fake.copies, fake.deletes...) {
		if strings.Contains(op, "BBBB") {
			t.Errorf("object with an unparseable line was touched: %s", op)
		}
	}
	if _, ok := fake.objects["logs/2019-02-23-09-00-00-BBBB"]; !ok {
		t.Error("object with an unparseable line was removed")
	}
}

func TestCompactForce(t *testing.T) {
	fake := newFakeS3(testObjects())
	dir := t.TempDir()
	cfg := &Config{
		SrcBucket:    "src",
		SourcePrefix: "logs/",
		OutputDir:    dir,
		DeleteAfter:  true,
		Force:        true,
		Schema:       s3log.StandardSchema,
	}
	cp, err := NewS3CompactorWithClient(fake, hclog.NewNullLogger(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	stats, err := cp.Compact(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := Stats{Days: 2, Objects: 3, Records: 4, BadLines: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	files := dayFiles(t, dir, "2019-02-23")
	if len(files) != 1 || strings.Join(files[0], ",") != "R1,R2,R3" {
		t.Errorf("2019-02-23 files = %v, want [[R1 R2 R3]]", files)
	}
	if len(fake.deletes) != 3 || len(fake.copies) != 0 {
		t.Errorf("copies = %v, deletes = %v", fake.copies, fake.deletes)
	}
}

func TestCompactLateDelivery(t *testing.T) {
	fake := newFakeS3(map[string]string{
		"logs/2019-02-23-09-00-00-AAAA": logLine("23/Feb/2019:09:00:00 +0000", "R1") + "\n",
	})
	dir := t.TempDir()
	cfg := &Config{
		SrcBucket:    "src",
		SourcePrefix: "logs/",
		OutputDir:    dir,
		DeleteAfter:  true,
		Schema:       s3log.StandardSchema,
	}
	cp, err := NewS3CompactorWithClient(fake, hclog.NewNullLogger(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cp.Compact(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fake.objects) != 0 {
		t.Fatalf("sources left after first run: %v", fake.objects)
	}

	fake.mu.Lock()
	fake.objects["logs/2019-02-23-23-00-00-BBBB"] = logLine("23/Feb/2019:23:00:00 +0000", "R2") + "\n"
	fake.mu.Unlock()
	if _, err := cp.Compact(context.Background()); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, f := range dayFiles(t, dir, "2019-02-23") {
		ids = append(ids, f...)
	}
	sort.Strings(ids)
	if strings.Join(ids, ",") != "R1,R2" {
		t.Errorf("request ids across day files = %v, want R1,R2", ids)
	}
}

func TestDayFileName(t *testing.T) {
	a := &s3.Object{Key: aws.String("logs/2019-02-23-09-00-00-AAAA")}
	b := &s3.Object{Key: aws.String("logs/2019-02-23-10-00-00-BBBB")}
	ab := dayFileName("2019-02-23", []*s3.Object{a, b})
	if ab != dayFileName("2019-02-23", []*s3.Object{b, a}) {
		t.Error("name depends on object order")
	}
	if ab == dayFileName("2019-02-23", []*s3.Object{a}) {
		t.Error("different object sets share a name")
	}
	if !strings.HasPrefix(ab, "2019-02-23-") || !strings.HasSuffix(ab, ".tsv.gz") {
		t.Errorf("dayFileName = %s", ab)
	}
}

func TestCompactListError(t *testing.T) {
	fake := newFakeS3(nil)
	fake.listErr = errors.New("AccessDenied")
	cfg := &Config{SrcBucket: "src", DstBucket: "dst"}
	cp, err := NewS3CompactorWithClient(fake, hclog.NewNullLogger(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cp.Compact(context.Background()); err == nil {
		t.Error("Compact succeeded despite listing error")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (&Config{}).Validate(); err == nil {
		t.Error("empty config validated")
	}
	if err := (&Config{SrcBucket: "src"}).Validate(); err == nil {
		t.Error("config without output validated")
	}
	cfg := &Config{SrcBucket: "src", OutputDir: "out"}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Schema != s3log.ExtendedSchema || cfg.Timeout == 0 || cfg.Region == "" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestDedupeObjects(t *testing.T) {
	objs := []*s3.Object{
		{Key: aws.String("a/2019-02-23-00-00-00-X")},
		{Key: aws.String("b/2019-02-23-00-00-00-X")},
		{Key: aws.String("a/2019-02-23-00-00-00-Y")},
	}
	out := DedupeObjects(objs)
	if len(out) != 2 || aws.StringValue(out[0].Key) != "a/2019-02-23-00-00-00-X" {
		t.Errorf("DedupeObjects = %v", out)
	}
}

func TestKeys(t *testing.T) {
	if got := newKey("logs/2019-02-23-X", "archive/"); got != "archive/2019-02-23-X" {
		t.Errorf("newKey = %s", got)
	}
	if got := newKey("logs/x", ""); got != "x" {
		t.Errorf("newKey without prefix = %s", got)
	}
	tests := []struct {
		key  string
		day  string
		good bool
	}{
		{"logs/2019-02-23-00-05-17-6E3C8FD0EXAMPLE", "2019-02-23", true},
		{"2019-02-23", "2019-02-23", true},
		{"logs/short", "", false},
		{"logs/not-a-log-object", "", false},
	}
	for _, tt := range tests {
		day, ok := dayString(&s3.Object{Key: aws.String(tt.key)})
		if day != tt.day || ok != tt.good {
			t.Errorf("dayString(%s) = %q %v", tt.key, day, ok)
		}
	}
}
