// Package dataset supplies the token-index batches consumed by the forward
// step: a newline-separated word list encoded over a 27-symbol character
// vocabulary (terminator plus a-z), split per data rank.
package dataset

import (
	"fmt"
	"os"
	"strings"
)

// VocabSize is the character vocabulary: index 0 is the terminator/padding
// symbol, 1..26 map 'a'..'z'. Generated indices never reach any padded
// embedding rows beyond this range.
const VocabSize = 27

// BatchSizeError reports a global batch size that cannot be divided across the
// data-parallel group. Detected before any computation starts.
type BatchSizeError struct {
	GlobalBatch int
	DataSize    int
}

func (e *BatchSizeError) Error() string {
	return fmt.Sprintf("dataset: global batch size %d not divisible by data-parallel size %d",
		e.GlobalBatch, e.DataSize)
}

// MicroBatchSize returns the per-data-rank batch size, or a *BatchSizeError
// when the global batch does not divide evenly.
func MicroBatchSize(globalBatch, dataSize int) (int, error) {
	if globalBatch <= 0 || dataSize <= 0 {
		return 0, fmt.Errorf("dataset: batch size %d and data size %d must be positive", globalBatch, dataSize)
	}
	if globalBatch%dataSize != 0 {
		return 0, &BatchSizeError{GlobalBatch: globalBatch, DataSize: dataSize}
	}
	return globalBatch / dataSize, nil
}

// Dataset holds encoded examples. Each example is one word: Xs is the word's
// character indices padded with the terminator to SeqLen, Ys is the word's
// final character (the label the step predicts).
type Dataset struct {
	SeqLen int
	Xs     [][]int
	Ys     []int
}

// Load reads a newline-separated word list from path and encodes it.
func Load(path string, seqLen int) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	words := strings.Fields(string(raw))
	if len(words) == 0 {
		return nil, fmt.Errorf("dataset: %s contains no words", path)
	}
	return FromWords(words, seqLen)
}

// FromWords encodes an in-memory word list.
func FromWords(words []string, seqLen int) (*Dataset, error) {
	d := &Dataset{SeqLen: seqLen}
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if len(w) > seqLen {
			return nil, fmt.Errorf("dataset: word %q longer than sequence length %d", w, seqLen)
		}
		xs := make([]int, seqLen)
		for i, ch := range w {
			if ch < 'a' || ch > 'z' {
				return nil, fmt.Errorf("dataset: word %q contains %q outside a-z", w, ch)
			}
			xs[i] = int(ch-'a') + 1
		}
		d.Xs = append(d.Xs, xs)
		d.Ys = append(d.Ys, int(w[len(w)-1]-'a')+1)
	}
	if len(d.Xs) == 0 {
		return nil, fmt.Errorf("dataset: no usable words")
	}
	return d, nil
}

// Len returns the number of examples.
func (d *Dataset) Len() int { return len(d.Xs) }

// Split partitions the examples into a leading train split and trailing test
// split by fraction.
func (d *Dataset) Split(trainFrac float64) (train, test *Dataset) {
	n := int(float64(len(d.Xs)) * trainFrac)
	if n < 1 {
		n = 1
	}
	if n > len(d.Xs) {
		n = len(d.Xs)
	}
	train = &Dataset{SeqLen: d.SeqLen, Xs: d.Xs[:n], Ys: d.Ys[:n]}
	test = &Dataset{SeqLen: d.SeqLen, Xs: d.Xs[n:], Ys: d.Ys[n:]}
	return train, test
}

// RankBatch returns this data rank's contiguous slice of the leading
// globalBatch examples, flattened for the step: xs holds micro*SeqLen token
// indices, ys holds micro labels. Examples wrap around a small dataset so any
// batch size can be served.
func (d *Dataset) RankBatch(globalBatch, dataRank, dataSize int) (xs, ys []int, err error) {
	micro, err := MicroBatchSize(globalBatch, dataSize)
	if err != nil {
		return nil, nil, err
	}
	if dataRank < 0 || dataRank >= dataSize {
		return nil, nil, fmt.Errorf("dataset: data rank %d out of range for size %d", dataRank, dataSize)
	}
	xs = make([]int, 0, micro*d.SeqLen)
	ys = make([]int, 0, micro)
	for i := 0; i < micro; i++ {
		idx := (dataRank*micro + i) % len(d.Xs)
		xs = append(xs, d.Xs[idx]...)
		ys = append(ys, d.Ys[idx])
	}
	return xs, ys, nil
}

// DefaultWords is a built-in word list used when no dataset file is supplied,
// mirroring the lowercase-names shape of the usual training file.
var DefaultWords = []string{
	"emma", "olivia", "ava", "isabella", "sophia", "charlotte", "mia", "amelia",
	"harper", "evelyn", "abigail", "emily", "elizabeth", "mila", "ella", "avery",
	"sofia", "camila", "aria", "scarlett", "victoria", "madison", "luna", "grace",
	"chloe", "penelope", "layla", "riley", "zoey", "nora", "lily", "eleanor",
	"hannah", "lillian", "addison", "aubrey", "ellie", "stella", "natalie", "zoe",
	"leah", "hazel", "violet", "aurora", "savannah", "audrey", "brooklyn", "bella",
	"claire", "skylar", "lucy", "paisley", "everly", "anna", "caroline", "nova",
	"genesis", "emilia", "kennedy", "samantha", "maya", "willow", "kinsley", "naomi",
}

// Default returns a dataset over the built-in word list.
func Default(seqLen int) *Dataset {
	d, err := FromWords(DefaultWords, seqLen)
	if err != nil {
		panic(err) // built-in list is always valid
	}
	return d
}
