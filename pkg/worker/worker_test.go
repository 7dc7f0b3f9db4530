package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/traditionalchinese"

	"github.com/boa-dtp/transformat/pkg/config"
	"github.com/boa-dtp/transformat/pkg/downstream"
	"github.com/boa-dtp/transformat/pkg/errcode"
	"github.com/boa-dtp/transformat/pkg/repository"
	"github.com/boa-dtp/transformat/pkg/transfer"
)

type fakeTaskStore struct {
	tasks   map[string]*repository.FileTask
	pending []repository.FileTask
	stale   []repository.FileTask

	statusLog  []repository.TaskStatus
	lastError  *string
	pendingErr error
	staleErr   error
	resetErr   error
	resets     []string
}

func (f *fakeTaskStore) GetByID(_ context.Context, taskID string) (*repository.FileTask, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return t, nil
}

func (f *fakeTaskStore) UpdateStatus(_ context.Context, taskID string, status repository.TaskStatus, errorMessage *string) (*repository.FileTask, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, errcode.New(errcode.FileNotFound, "file_path", taskID)
	}
	t.Status = status
	t.ErrorMessage = errorMessage
	f.statusLog = append(f.statusLog, status)
	f.lastError = errorMessage
	return t, nil
}

func (f *fakeTaskStore) GetPending(_ context.Context, limit int) ([]repository.FileTask, error) {
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeTaskStore) GetStaleProcessing(_ context.Context, _ int) ([]repository.FileTask, error) {
	if f.staleErr != nil {
		return nil, f.staleErr
	}
	return f.stale, nil
}

func (f *fakeTaskStore) ResetToPending(_ context.Context, taskID string) (*repository.FileTask, error) {
	if f.resetErr != nil {
		return nil, f.resetErr
	}
	f.resets = append(f.resets, taskID)
	return &repository.FileTask{TaskID: taskID, Status: repository.StatusPending}, nil
}

type fakeRecordStore struct {
	records map[int64]*repository.FileRecord
}

func (f *fakeRecordStore) GetByID(_ context.Context, id int64) (*repository.FileRecord, error) {
	return f.records[id], nil
}

type fakeFieldStore struct {
	defs []repository.FieldDefinition
}

func (f *fakeFieldStore) GetByFileName(_ context.Context, _ string) ([]repository.FieldDefinition, error) {
	return f.defs, nil
}

type fakeReader struct {
	data    []byte
	readErr error
	path    string
	closed  bool
}

func (f *fakeReader) ReadFile(path, _ string) ([]byte, error) {
	f.path = path
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.data, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

type fakeMasker struct {
	requests []downstream.MaskRequest
	err      error
}

func (f *fakeMasker) SubmitMasking(_ context.Context, req downstream.MaskRequest) (*downstream.MaskResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &downstream.MaskResponse{TaskID: req.TaskID, Status: "accepted"}, nil
}

type fakeLocker struct {
	acquired   bool
	acquireErr error
	releases   int
	lockID     int64
}

func (f *fakeLocker) Acquire(_ context.Context, fileRecordID int64, _ time.Duration) (bool, error) {
	f.lockID = fileRecordID
	return f.acquired, f.acquireErr
}

func (f *fakeLocker) Release(_ context.Context) error {
	f.releases++
	return nil
}

func strPtr(s string) *string { return &s }

func delimitedFixture(t *testing.T, outDir string, reader *fakeReader, masker *fakeMasker) (*Processor, *fakeTaskStore) {
	t.Helper()
	tasks := &fakeTaskStore{tasks: map[string]*repository.FileTask{
		"transformat_202608240001": {
			TaskID:       "transformat_202608240001",
			FileRecordID: 7,
			FileName:     "accounts.txt",
			Status:       repository.StatusPending,
		},
	}}
	records := &fakeRecordStore{records: map[int64]*repository.FileRecord{
		7: {
			ID:         7,
			FileName:   "accounts.txt",
			Encoding:   "utf-8",
			FormatType: repository.FormatDelimited,
			Delimiter:  strPtr("||"),
		},
	}}
	fields := &fakeFieldStore{defs: []repository.FieldDefinition{
		{FieldName: "account_id", Sequence: 1, FieldType: "int", TransformType: "mask"},
		{FieldName: "holder", Sequence: 2, FieldType: "string", TransformType: "plain"},
		{FieldName: "opened_at", Sequence: 3, FieldType: "timestamp", TransformType: "plain"},
	}}

	dial := func() (transfer.Reader, error) { return reader, nil }
	paths := config.PathsConfig{InputDir: "/data/input", OutputDir: outDir}
	return NewProcessor(tasks, records, fields, dial, masker, paths, 100, nil), tasks
}

func TestProcessDelimitedHappyPath(t *testing.T) {
	outDir := t.TempDir()
	reader := &fakeReader{data: []byte("1001||alice||2025-12-06\n1002||bob||2025-12-07\n")}
	masker := &fakeMasker{}
	p, tasks := delimitedFixture(t, outDir, reader, masker)

	err := p.Process(context.Background(), "transformat_202608240001")
	require.NoError(t, err)

	assert.Equal(t, "/data/input/accounts.txt", reader.path)
	assert.True(t, reader.closed)
	assert.Equal(t,
		[]repository.TaskStatus{repository.StatusProcessing, repository.StatusCompleted},
		tasks.statusLog)
	assert.Nil(t, tasks.lastError)

	outputPath := filepath.Join(outDir, "accounts.parquet")
	_, statErr := os.Stat(outputPath)
	assert.NoError(t, statErr)

	require.Len(t, masker.requests, 1)
	req := masker.requests[0]
	assert.Equal(t, outputPath, req.InputFilePath)
	assert.Equal(t, filepath.Join(outDir, "accounts_masked.parquet"), req.OutputFilePath)
	require.Len(t, req.FieldConfigs, 3)
	assert.Equal(t, "account_id", req.FieldConfigs[0].FieldName)
	assert.Equal(t, "mask", req.FieldConfigs[0].TransformType)
}

func TestProcessMaskingFailureStillCompletes(t *testing.T) {
	outDir := t.TempDir()
	reader := &fakeReader{data: []byte("1001||alice||2025-12-06\n")}
	masker := &fakeMasker{err: errcode.New(errcode.DownstreamConnectionFailed)}
	p, tasks := delimitedFixture(t, outDir, reader, masker)

	err := p.Process(context.Background(), "transformat_202608240001")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCompleted, tasks.tasks["transformat_202608240001"].Status)
	assert.Len(t, masker.requests, 1)
}

func TestProcessUnknownTask(t *testing.T) {
	outDir := t.TempDir()
	p, _ := delimitedFixture(t, outDir, &fakeReader{}, &fakeMasker{})

	err := p.Process(context.Background(), "transformat_209901010001")
	require.Error(t, err)
	code, ok := errcode.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errcode.FileNotFound, code)
}

func TestProcessParseErrorMarksFailed(t *testing.T) {
	outDir := t.TempDir()
	reader := &fakeReader{data: []byte("1001||alice||2025-12-06\n1002||bob\n")}
	p, tasks := delimitedFixture(t, outDir, reader, &fakeMasker{})

	err := p.Process(context.Background(), "transformat_202608240001")
	require.Error(t, err)
	code, _ := errcode.CodeOf(err)
	assert.Equal(t, errcode.ParseDelimiterFailed, code)

	task := tasks.tasks["transformat_202608240001"]
	assert.Equal(t, repository.StatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "PARSE_DELIMITER_FAILED")
	assert.Contains(t, *task.ErrorMessage, "line 2")
}

func TestProcessTransferFailureMarksFailed(t *testing.T) {
	outDir := t.TempDir()
	reader := &fakeReader{readErr: errcode.New(errcode.SFTPNetworkError)}
	p, tasks := delimitedFixture(t, outDir, reader, &fakeMasker{})

	err := p.Process(context.Background(), "transformat_202608240001")
	require.Error(t, err)
	assert.True(t, errcode.IsSystem(err))
	assert.Equal(t, repository.StatusFailed, tasks.tasks["transformat_202608240001"].Status)
}

func TestProcessFixedWidthBig5(t *testing.T) {
	outDir := t.TempDir()

	// "王小明" spans 6 display columns, padded to 8, then a 4-digit code.
	line, encErr := traditionalchinese.Big5.NewEncoder().Bytes([]byte("王小明  1234\n"))
	require.NoError(t, encErr)
	reader := &fakeReader{data: line}

	tasks := &fakeTaskStore{tasks: map[string]*repository.FileTask{
		"transformat_202608240002": {
			TaskID:       "transformat_202608240002",
			FileRecordID: 8,
			FileName:     "members.dat",
			Status:       repository.StatusPending,
		},
	}}
	records := &fakeRecordStore{records: map[int64]*repository.FileRecord{
		8: {
			ID:         8,
			FileName:   "members.dat",
			Encoding:   "big5",
			FormatType: repository.FormatFixedLength,
		},
	}}
	fields := &fakeFieldStore{defs: []repository.FieldDefinition{
		{FieldName: "name", Sequence: 1, FieldType: "string", StartPosition: 1, FieldLength: 8, TransformType: "mask"},
		{FieldName: "code", Sequence: 2, FieldType: "int", StartPosition: 9, FieldLength: 4, TransformType: "plain"},
	}}

	masker := &fakeMasker{}
	dial := func() (transfer.Reader, error) { return reader, nil }
	paths := config.PathsConfig{InputDir: "/data/input", OutputDir: outDir}
	p := NewProcessor(tasks, records, fields, dial, masker, paths, 100, nil)

	err := p.Process(context.Background(), "transformat_202608240002")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCompleted, tasks.tasks["transformat_202608240002"].Status)

	_, statErr := os.Stat(filepath.Join(outDir, "members.parquet"))
	assert.NoError(t, statErr)
}

type fakeProcessor struct {
	errs  map[string]error
	calls []string
}

func (f *fakeProcessor) Process(_ context.Context, taskID string) error {
	f.calls = append(f.calls, taskID)
	return f.errs[taskID]
}

func pendingTasks(ids ...string) []repository.FileTask {
	out := make([]repository.FileTask, len(ids))
	for i, id := range ids {
		out[i] = repository.FileTask{TaskID: id, FileRecordID: int64(i + 1), Status: repository.StatusPending}
	}
	return out
}

func TestRunDrainsBatch(t *testing.T) {
	tasks := &fakeTaskStore{pending: pendingTasks("t1", "t2", "t3")}
	proc := &fakeProcessor{}
	locker := &fakeLocker{acquired: true}

	o := NewOrchestrator(tasks, func() Locker { return locker }, proc, 10, 2, nil)
	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Succeeded: 3}, result)
	assert.Equal(t, []string{"t1", "t2", "t3"}, proc.calls)
	assert.Equal(t, 3, locker.releases)
}

func TestRunSkipsLockedTask(t *testing.T) {
	tasks := &fakeTaskStore{pending: pendingTasks("t1")}
	proc := &fakeProcessor{}

	o := NewOrchestrator(tasks, func() Locker { return &fakeLocker{acquired: false} }, proc, 10, 2, nil)
	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Skipped: 1}, result)
	assert.Empty(t, proc.calls)
}

func TestRunSystemErrorAbortsBatch(t *testing.T) {
	tasks := &fakeTaskStore{pending: pendingTasks("t1", "t2", "t3")}
	proc := &fakeProcessor{errs: map[string]error{
		"t2": errcode.New(errcode.DBConnectionFailed),
	}}
	locker := &fakeLocker{acquired: true}

	o := NewOrchestrator(tasks, func() Locker { return locker }, proc, 10, 2, nil)
	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Succeeded: 1, Failed: 1}, result)
	assert.Equal(t, []string{"t1", "t2"}, proc.calls)
	assert.Equal(t, 2, locker.releases)
}

func TestRunProcessingErrorContinuesBatch(t *testing.T) {
	tasks := &fakeTaskStore{pending: pendingTasks("t1", "t2", "t3")}
	proc := &fakeProcessor{errs: map[string]error{
		"t2": errcode.New(errcode.ParseFixedLengthFailed, "line_number", 9),
	}}

	o := NewOrchestrator(tasks, func() Locker { return &fakeLocker{acquired: true} }, proc, 10, 2, nil)
	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Succeeded: 2, Failed: 1}, result)
	assert.Equal(t, []string{"t1", "t2", "t3"}, proc.calls)
}

func TestRunRespectsBatchSize(t *testing.T) {
	tasks := &fakeTaskStore{pending: pendingTasks("t1", "t2", "t3", "t4")}
	proc := &fakeProcessor{}

	o := NewOrchestrator(tasks, func() Locker { return &fakeLocker{acquired: true} }, proc, 2, 2, nil)
	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Len(t, proc.calls, 2)
}

func TestRunRecoversStaleTasks(t *testing.T) {
	tasks := &fakeTaskStore{
		stale: pendingTasks("old1", "old2"),
	}
	proc := &fakeProcessor{}

	o := NewOrchestrator(tasks, func() Locker { return &fakeLocker{acquired: true} }, proc, 10, 2, nil)
	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Recovered)
	assert.Equal(t, []string{"old1", "old2"}, tasks.resets)
}

func TestRunStaleScanFailureIsNotFatal(t *testing.T) {
	tasks := &fakeTaskStore{
		stale:    pendingTasks("old1"),
		staleErr: errcode.New(errcode.DBConnectionFailed),
		pending:  pendingTasks("t1"),
	}
	proc := &fakeProcessor{}

	o := NewOrchestrator(tasks, func() Locker { return &fakeLocker{acquired: true} }, proc, 10, 2, nil)
	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Recovered)
	assert.Equal(t, 1, result.Succeeded)
}

func TestRunQueueUnreachable(t *testing.T) {
	tasks := &fakeTaskStore{pendingErr: errcode.New(errcode.DBConnectionFailed)}

	o := NewOrchestrator(tasks, func() Locker { return &fakeLocker{acquired: true} }, &fakeProcessor{}, 10, 2, nil)
	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errcode.IsSystem(err))
}

func TestLockAcquireErrorAbortsBatch(t *testing.T) {
	tasks := &fakeTaskStore{pending: pendingTasks("t1", "t2")}
	proc := &fakeProcessor{}
	locker := &fakeLocker{acquireErr: errcode.New(errcode.DBPoolExhausted)}

	o := NewOrchestrator(tasks, func() Locker { return locker }, proc, 10, 2, nil)
	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Failed: 1}, result)
	assert.Empty(t, proc.calls)
}

func TestMaskedPath(t *testing.T) {
	assert.Equal(t, "/out/a_masked.parquet", maskedPath("/out/a.parquet"))
}
