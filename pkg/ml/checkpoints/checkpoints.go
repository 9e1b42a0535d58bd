/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package checkpoints implements checkpoint management: saving and loading of training states
// (parameters trees, auxiliary pruning state and training logs) to files.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
//
// Example:
//
//	handler, err := checkpoints.Build(dir).Experiment("sparse_linear").Keep(3).
//		Every(time.Minute).MaxRuntime(4 * time.Hour).Done()
//	…
//	if ckpt, err := handler.Load(); err == nil && ckpt != nil {
//		state, logs = ckpt.State, ckpt.Logs
//	}
//	…
//	handler.AttachTo(loop, logs, 100)
//
// Each checkpoint is a pair of files: a JSON file with the metadata (step, epoch, layout of the
// parameters tree and the training logs) and a binary file with the values of the tensors, stored
// as little-endian float64, by default gzip compressed.
package checkpoints

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/gomlx/pruning/pkg/ml/train"
	"github.com/gomlx/pruning/pkg/ml/train/metrics"
	"github.com/gomlx/pruning/pkg/ml/trainstate"
	"github.com/gomlx/pruning/pkg/support/fsutil"
	"github.com/gomlx/pruning/pkg/support/xslices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// ErrUnsupportedCompression signifies an error when a compression type is not supported.
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota

	// BinUncompressed stores the raw little-endian values.
	BinUncompressed
)

// String implements fmt.Stringer.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler.
type Config struct {
	err error

	dir        string
	experiment string
	keep       int
	every      time.Duration
	maxRuntime time.Duration
	binFormat  BinFormat
}

// Build a configuration for building a checkpoints.Handler saving to and loading from dir.
// The directory is created if it doesn't exist.
//
// The defaults are: keep 1 checkpoint, a random (UUID) experiment name, gzip compression, and
// no time-based checkpointing.
func Build(dir string) *Config {
	c := &Config{
		experiment: uuid.NewString(),
		keep:       1,
	}
	c.dir, c.err = fsutil.ReplaceTildeInDir(dir)
	if c.err == nil && c.dir == "" {
		c.err = errors.New("checkpoints.Build: empty directory")
	}
	return c
}

// Experiment sets the name of the experiment, used as the prefix of the checkpoint files.
// It must not contain path separators.
func (c *Config) Experiment(name string) *Config {
	if name == "" || strings.ContainsAny(name, `/\`) {
		c.setError(errors.Errorf("checkpoints: invalid experiment name %q", name))
		return c
	}
	c.experiment = name
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Every sets the minimum interval between two Handler.ShouldCheckpoint checks.
func (c *Config) Every(interval time.Duration) *Config {
	c.every = interval
	return c
}

// MaxRuntime sets the runtime after which Handler.ShouldCheckpoint starts returning true.
// Zero disables time-based checkpointing.
func (c *Config) MaxRuntime(runtime time.Duration) *Config {
	c.maxRuntime = runtime
	return c
}

// WithCompression defines the compression format of the binary files. The default mode is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	if bf != BinGZIP && bf != BinUncompressed {
		c.setError(errors.Wrapf(ErrUnsupportedCompression, "format %d", bf))
		return c
	}
	c.binFormat = bf
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Done creates the directory (if needed) and the Handler.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.every < 0 || c.maxRuntime < 0 {
		return nil, errors.Errorf("checkpoints: every (%s) and max runtime (%s) must be >= 0", c.every, c.maxRuntime)
	}
	fi, err := os.Stat(c.dir)
	switch {
	case err == nil && !fi.IsDir():
		return nil, errors.Errorf("checkpoint directory %q exists but it's a normal file, not a directory", c.dir)
	case err != nil && !os.IsNotExist(err):
		return nil, errors.Wrapf(err, "failed to os.Stat(%q)", c.dir)
	case err != nil:
		if err = os.MkdirAll(c.dir, DirPermMode); err != nil {
			return nil, errors.Wrapf(err, "trying to create dir %q", c.dir)
		}
	}
	now := time.Now()
	h := &Handler{config: *c, startTime: now, lastCheckTime: now}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.checkpointsCount = h.maxCheckpointCount(list) + 1
	return h, nil
}

// Handler saves and loads checkpoints of a training state. It also keeps track of the runtime, to decide
// when a checkpoint should be saved before the run is interrupted.
//
// It is created and configured using Build(), followed by options setting and then calling Config.Done().
type Handler struct {
	config Config

	checkpointsCount int
	epoch, chunk     int

	startTime, lastCheckTime time.Time
	now                      func() time.Time
}

// serializedData is how the information is read and written from storage.
type serializedData struct {
	Experiment string
	Step       int64
	Epoch      int
	Chunk      int
	Augmented  bool

	// Variables in the order of the parameters tree, with their position in the binary file.
	Variables []serializedVar

	// BinFormat describes the format used by the binary file. It is informative.
	BinFormat string

	Logs *metrics.Logs `json:",omitempty"`
}

// serializedVar contains information about the tensor that was serialized.
type serializedVar struct {
	// Path of the tensor in the parameters tree.
	Path string

	Dimensions []int
	DType      dtypes.DType

	// Pos, Length in bytes in the (uncompressed) binary data.
	Pos, Length int
}

// Checkpoint holds what was loaded from a checkpoint.
type Checkpoint struct {
	// BaseName of the checkpoint files loaded.
	BaseName string

	State        *trainstate.State
	Logs         *metrics.Logs
	Epoch, Chunk int
}

const (
	// JsonNameSuffix for the JSON files returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the tensor values) returned by Handler.ListCheckpoints.
	BinDataSuffix = ".bin"

	// BackupDir is the name of the (sub-)directory under the checkpoints directory that holds
	// the backups. See Handler.Backup.
	BackupDir = "backup"

	binHeader  = "pruning_checkpoint"
	gzipHeader = "gzip"
)

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q, experiment=%q)", h.config.dir, h.config.experiment)
}

// Dir returns the directory the Handler is configured to.
func (h *Handler) Dir() string { return h.config.dir }

// Experiment returns the experiment name, the prefix of the checkpoint files.
func (h *Handler) Experiment() string { return h.config.experiment }

func (h *Handler) baseNamePrefix() string { return h.config.experiment + "-n" }

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(step int64) string {
	return fmt.Sprintf("%s%07d-step-%08d", h.baseNamePrefix(), h.checkpointsCount, step)
}

// ListCheckpoints returns the base names of the checkpoints of the experiment in the directory, in
// order (older first).
//
// The actual paths are these base names suffixed with JsonNameSuffix and BinDataSuffix, in Handler.Dir.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	prefix := h.baseNamePrefix()
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(fileName, prefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, JsonNameSuffix))
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// Experiments lists the names of the experiments with checkpoints saved in dir, sorted.
func Experiments(dir string) ([]string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing experiments in %q", dir)
	}
	var names []string
	for _, entry := range entries {
		matches := checkpointNameRegex.FindStringSubmatch(entry.Name())
		if entry.IsDir() || len(matches) != 2 || slices.Contains(names, matches[1]) {
			continue
		}
		names = append(names, matches[1])
	}
	sort.Strings(names)
	return names, nil
}

var checkpointNameRegex = regexp.MustCompile(`^(.+)-n\d{7,}-step-\d{8,}` + regexp.QuoteMeta(JsonNameSuffix) + "$")

// HasCheckpoints returns whether there are any checkpoints saved for the experiment.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

// maxCheckpointCount returns the largest checkpoint count in the saved checkpoints, or -1.
func (h *Handler) maxCheckpointCount(checkpoints []string) int {
	countRegex := regexp.MustCompile("^" + regexp.QuoteMeta(h.baseNamePrefix()) + `(\d+)-`)
	maxID := -1
	for _, name := range checkpoints {
		matches := countRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		if id, err := strconv.Atoi(matches[1]); err == nil && id > maxID {
			maxID = id
		}
	}
	return maxID
}

// Update the epoch and chunk counters stored with the next checkpoints.
func (h *Handler) Update(epoch, chunk int) {
	h.epoch, h.chunk = epoch, chunk
}

func (h *Handler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// ShouldCheckpoint returns whether a checkpoint should be saved now because the run is about to exceed its
// maximum runtime: it only checks once every configured interval, and returns true if by then the total runtime
// is above MaxRuntime.
//
// It always returns false if MaxRuntime is not configured.
func (h *Handler) ShouldCheckpoint() bool {
	if h.config.maxRuntime <= 0 {
		return false
	}
	now := h.clock()
	if now.Sub(h.lastCheckTime) <= h.config.every {
		return false
	}
	h.lastCheckTime = now
	return now.Sub(h.startTime) > h.config.maxRuntime
}

// Save a new checkpoint of the state and logs (logs can be nil). Older checkpoints beyond the configured
// number to keep are removed.
func (h *Handler) Save(state *trainstate.State, logs *metrics.Logs) error {
	if state == nil || state.Parameters == nil {
		return errors.Errorf("%s: no state to save", h)
	}
	baseName := h.newCheckpointBaseName(state.Step)
	h.checkpointsCount++
	serialized := &serializedData{
		Experiment: h.config.experiment,
		Step:       state.Step,
		Epoch:      h.epoch,
		Chunk:      h.chunk,
		Augmented:  state.Augmented,
		BinFormat:  h.config.binFormat.String(),
		Logs:       logs,
	}

	// Write the values.
	binFileName := filepath.Join(h.config.dir, baseName+BinDataSuffix)
	binFile, err := os.Create(binFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, binFileName)
	}
	defer func() { _ = binFile.Close() }()
	writer, err := newBinWriter(binFile, h.config.binFormat)
	if err != nil {
		return errors.WithMessagef(err, "%s: writing %s", h, binFileName)
	}
	pos := 0
	for path, tensor := range state.Parameters.Leaves() {
		if err = binary.Write(writer, binary.LittleEndian, tensor.Data()); err != nil {
			return errors.Wrapf(err, "%s: failed to write %q", h, path)
		}
		length := 8 * tensor.Size()
		serialized.Variables = append(serialized.Variables, serializedVar{
			Path:       path,
			Dimensions: tensor.Shape().Dimensions,
			DType:      tensor.DType(),
			Pos:        pos,
			Length:     length,
		})
		pos += length
	}
	if err = writer.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to flush checkpoint data file %s", h, binFileName)
	}
	if err = binFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint data file %s", h, binFileName)
	}

	// Write metadata last: a checkpoint is only listed once its JSON file exists.
	jsonFileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	jsonFile, err := os.Create(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint metadata file %s", h, jsonFileName)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(serialized); err != nil {
		_ = jsonFile.Close()
		return errors.Wrapf(err, "%s: failed to write checkpoint metadata file %s", h, jsonFileName)
	}
	if err = jsonFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint metadata file %s", h, jsonFileName)
	}
	klog.Infof("checkpoint saved: %s (step %d, %s values)", baseName, state.Step, humanize.Comma(int64(pos/8)))
	return h.keepNCheckpoints()
}

// Load the latest checkpoint of the experiment. It returns nil (and no error) if there are no checkpoints.
//
// The epoch and chunk counters of the handler are restored from the checkpoint.
func (h *Handler) Load() (*Checkpoint, error) {
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		klog.Infof("%s: no checkpoint found, starting from the beginning", h)
		return nil, nil
	}
	ckpt, err := h.LoadFile(xslices.Last(list))
	if err != nil {
		return nil, err
	}
	h.Update(ckpt.Epoch, ckpt.Chunk)
	klog.Infof("loaded checkpoint %s: step %d, epoch %d, chunk %d", ckpt.BaseName, ckpt.State.Step, ckpt.Epoch, ckpt.Chunk)
	return ckpt, nil
}

// LoadFile loads the checkpoint with the given base name (as returned by ListCheckpoints).
func (h *Handler) LoadFile(baseName string) (*Checkpoint, error) {
	jsonFileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	jsonFile, err := os.Open(jsonFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to open checkpoint metadata file %s", h, jsonFileName)
	}
	defer func() { _ = jsonFile.Close() }()
	var serialized serializedData
	if err = json.NewDecoder(jsonFile).Decode(&serialized); err != nil {
		return nil, errors.Wrapf(err, "%s: failed to decode contents of checkpoint %s", h, jsonFileName)
	}

	binFileName := filepath.Join(h.config.dir, baseName+BinDataSuffix)
	binFile, err := os.Open(binFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to open checkpoint data file %s", h, binFileName)
	}
	defer func() { _ = binFile.Close() }()
	reader, err := newBinReader(binFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: reading %s", h, binFileName)
	}

	tree := params.New()
	var memoryPos int
	for _, varInfo := range serialized.Variables {
		if varInfo.DType != tensors.DType {
			return nil, errors.Errorf("%s: variable %q has dtype %s, only %s is supported",
				h, varInfo.Path, varInfo.DType, tensors.DType)
		}
		if varInfo.Pos != memoryPos {
			return nil, errors.Errorf("%s: variable %q position at %d is out-of-order, expected it at %d",
				h, varInfo.Path, varInfo.Pos, memoryPos)
		}
		memoryPos += varInfo.Length
		tensor := tensors.Zeros(varInfo.Dimensions...)
		if 8*tensor.Size() != varInfo.Length {
			return nil, errors.Errorf("%s: variable %q has %d bytes for shape %s", h, varInfo.Path, varInfo.Length,
				tensor.Shape())
		}
		if err = binary.Read(reader, binary.LittleEndian, tensor.Data()); err != nil {
			return nil, errors.Wrapf(err, "%s: failed to read variable %q at position %d", h, varInfo.Path, varInfo.Pos)
		}
		if err = tree.SetPath(varInfo.Path, tensor); err != nil {
			return nil, errors.WithMessagef(err, "%s: variable %q", h, varInfo.Path)
		}
	}
	state := &trainstate.State{Parameters: tree, Augmented: serialized.Augmented, Step: serialized.Step}
	logs := serialized.Logs
	if logs == nil {
		logs = metrics.NewLogs()
	}
	return &Checkpoint{
		BaseName: baseName,
		State:    state,
		Logs:     logs,
		Epoch:    serialized.Epoch,
		Chunk:    serialized.Chunk,
	}, nil
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-h.config.keep] {
		for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			if err = os.Remove(fileName); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// Backup links the latest checkpoint to a separate sub-directory under the checkpoints directory called
// "backup" (constant in checkpoints.BackupDir), so it doesn't get automatically deleted as training progresses.
func (h *Handler) Backup() error {
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "failed Backup() finding current checkpoints")
	}
	if len(list) == 0 {
		return errors.Errorf("there are no saved checkpoints in %q: maybe call Save() before Backup() ?", h.Dir())
	}
	backupDir := filepath.Join(h.Dir(), BackupDir)
	if err = os.MkdirAll(backupDir, DirPermMode); err != nil {
		return errors.Wrapf(err, "trying to create dir %q", backupDir)
	}
	baseName := xslices.Last(list)
	for _, suffix := range []string{BinDataSuffix, JsonNameSuffix} {
		src := filepath.Join(h.Dir(), baseName+suffix)
		dst := filepath.Join(backupDir, baseName+suffix)
		if err = os.Link(src, dst); err != nil {
			return errors.Wrapf(err, "failed to link %q to %q", src, dst)
		}
	}
	return nil
}

// AttachTo the training loop: it saves a checkpoint every n steps (if n > 0), whenever ShouldCheckpoint
// says the runtime is about to be exceeded, and at the end of the loop.
//
// The epoch is taken from the loop.
func (h *Handler) AttachTo(loop *train.Loop, logs *metrics.Logs, n int) {
	const priority = 100 // Runs after metrics are recorded.
	save := func(loop *train.Loop, _ float64) error {
		h.Update(loop.Epoch, h.chunk)
		return h.Save(loop.State, logs)
	}
	if n > 0 {
		train.EveryNSteps(loop, n, "checkpoints", priority, save)
	}
	loop.OnStep("checkpoints: max runtime", priority, func(loop *train.Loop, loss float64) error {
		if !h.ShouldCheckpoint() {
			return nil
		}
		klog.Warningf("%s: runtime above %s, saving checkpoint", h, h.config.maxRuntime)
		return save(loop, loss)
	})
	loop.OnEnd("checkpoints", priority, save)
}

// newBinWriter writes the header for the format and returns the writer for the values.
func newBinWriter(w io.Writer, bf BinFormat) (io.WriteCloser, error) {
	if bf == BinUncompressed {
		return nopCloser{bufio.NewWriter(w)}, nil
	}
	header := append([]byte(binHeader), byte(len(gzipHeader)))
	header = append(header, gzipHeader...)
	if _, err := w.Write(header); err != nil {
		return nil, errors.Wrap(err, "write header")
	}
	return gzip.NewWriter(w), nil
}

type nopCloser struct {
	*bufio.Writer
}

func (w nopCloser) Close() error { return w.Flush() }

// newBinReader returns a reader to the decompressed values. Files without header are uncompressed.
func newBinReader(f io.ReadSeeker) (io.Reader, error) {
	buf := make([]byte, len(binHeader))
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errors.Wrap(err, "read header")
	}
	if n < len(binHeader) || string(buf) != binHeader {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seek header")
		}
		return bufio.NewReader(f), nil
	}
	var formatLen uint8
	if err = binary.Read(f, binary.BigEndian, &formatLen); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	format := make([]byte, formatLen)
	if _, err = io.ReadFull(f, format); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(format) != gzipHeader {
		return nil, errors.Wrapf(ErrUnsupportedCompression, "%q", format)
	}
	rd, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	return rd, nil
}
