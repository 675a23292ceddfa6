package attention

import (
	"fmt"

	"github.com/ollama/pagedattention/kvcache"
	"github.com/ollama/pagedattention/ml"
)

// Sequence is one request of a batch as seen by the block scheduler
type Sequence struct {
	// Blocks is the block table: logical block i of the sequence is stored
	// in physical block Blocks[i]. It must cover ContextLen+NumTokens tokens.
	Blocks []int

	// ContextLen is the number of tokens already written to the cache
	ContextLen int

	// NumTokens is the number of new tokens in this step. Decode steps have one.
	NumTokens int
}

type BatchOptions struct {
	BlockSize int

	// BatchBucket pads the batch to a multiple of this many sequences
	BatchBucket int

	// SeqBucket pads prompts to a multiple of this many tokens
	SeqBucket int

	// BlockBucket pads decode block lists to a multiple of this many blocks
	BlockBucket int

	// Contiguous lists every block from 0 up to the highest used block, as
	// required when reading the cache contiguously
	Contiguous bool
}

func roundUp(n, bucket int) int {
	if bucket <= 1 {
		return n
	}

	return (n + bucket - 1) / bucket * bucket
}

func oneHot(groups []int, batch int) *ml.Tensor {
	t := ml.Empty(ml.DTypeF32, len(groups), batch)
	for i, g := range groups {
		if g >= 0 {
			t.Set(1, i, g)
		}
	}

	return t
}

func checkBlocks(i int, s Sequence, blockSize int) error {
	if need := kvcache.BlocksNeeded(s.ContextLen+s.NumTokens, blockSize); len(s.Blocks) < need {
		return fmt.Errorf("sequence %d has %d blocks, needs %d for %d tokens", i, len(s.Blocks), need, s.ContextLen+s.NumTokens)
	}

	return nil
}

// PrefillMetadata lays out a prompt batch. Sequences are padded to the same
// length and the batch to a bucket; padding tokens write to the pad block.
// When any sequence has cached context the block list holds, for every
// sequence, its context blocks padded to the longest context.
func PrefillMetadata(seqs []Sequence, opts BatchOptions) (*Metadata, error) {
	seqLen, blocks := 0, 0
	for i, s := range seqs {
		if err := checkBlocks(i, s, opts.BlockSize); err != nil {
			return nil, err
		}

		seqLen = max(seqLen, s.NumTokens)
		blocks = max(blocks, kvcache.BlocksNeeded(s.ContextLen, opts.BlockSize))
	}

	seqLen = roundUp(seqLen, opts.SeqBucket)
	batch := roundUp(len(seqs), opts.BatchBucket)

	meta := Metadata{
		IsPrompt:     true,
		SeqLens:      make([]int, batch),
		ContextLens:  make([]int, batch),
		BlockIndices: make([]int, 0, batch*seqLen),
		BlockOffsets: make([]int, 0, batch*seqLen),
	}

	for b := range batch {
		var s Sequence
		if b < len(seqs) {
			s = seqs[b]
		}

		meta.SeqLens[b] = s.NumTokens
		meta.ContextLens[b] = s.ContextLen

		for t := range seqLen {
			if t < s.NumTokens {
				pos := s.ContextLen + t
				meta.BlockIndices = append(meta.BlockIndices, s.Blocks[pos/opts.BlockSize])
				meta.BlockOffsets = append(meta.BlockOffsets, pos%opts.BlockSize)
			} else {
				meta.BlockIndices = append(meta.BlockIndices, kvcache.PadBlock)
				meta.BlockOffsets = append(meta.BlockOffsets, t%opts.BlockSize)
			}
		}
	}

	if blocks > 0 {
		meta.BlockList = make([]int, 0, batch*blocks)
		for b := range batch {
			var table []int
			if b < len(seqs) {
				table = seqs[b].Blocks[:kvcache.BlocksNeeded(seqs[b].ContextLen, opts.BlockSize)]
			}

			meta.BlockList = append(meta.BlockList, table...)
			for range blocks - len(table) {
				meta.BlockList = append(meta.BlockList, kvcache.PadBlock)
			}
		}
	}

	return &meta, nil
}

// DecodeMetadata lays out a decode batch where every sequence adds one
// token at position ContextLen.
func DecodeMetadata(seqs []Sequence, opts BatchOptions) (*Metadata, error) {
	batch := roundUp(len(seqs), opts.BatchBucket)
	bs := opts.BlockSize

	type owner struct{ seq, index int }
	var list []int
	var owners []owner

	used := 0
	for i, s := range seqs {
		if s.NumTokens != 1 {
			return nil, fmt.Errorf("decode sequence %d has %d new tokens", i, s.NumTokens)
		}

		if err := checkBlocks(i, s, bs); err != nil {
			return nil, err
		}

		for j := range kvcache.BlocksNeeded(s.ContextLen+1, bs) {
			list = append(list, s.Blocks[j])
			owners = append(owners, owner{i, j})
			used = max(used, s.Blocks[j]+1)
		}
	}

	if opts.Contiguous {
		byBlock := make(map[int]owner, len(list))
		for i, b := range list {
			byBlock[b] = owners[i]
		}

		list = list[:0]
		owners = owners[:0]
		for b := range roundUp(used, opts.BlockBucket) {
			o, ok := byBlock[b]
			if !ok {
				o = owner{-1, 0}
			}
			list = append(list, b)
			owners = append(owners, o)
		}
	} else {
		for len(list) < roundUp(len(list), opts.BlockBucket) {
			list = append(list, kvcache.PadBlock)
			owners = append(owners, owner{-1, 0})
		}
	}

	meta := Metadata{
		SeqLens:      make([]int, batch),
		ContextLens:  make([]int, batch),
		BlockIndices: make([]int, batch),
		BlockOffsets: make([]int, batch),
		BlockList:    list,
		BlockGroups:  make([]int, len(list)),
		BlockScales:  make([]float32, len(list)),
		BlockBias:    ml.Full(negInf, len(list), bs),
		AlibiBlocks:  ml.Empty(ml.DTypeF32, len(list), bs),
	}

	for i, s := range seqs {
		meta.SeqLens[i] = 1
		meta.ContextLens[i] = s.ContextLen
		meta.BlockIndices[i] = s.Blocks[s.ContextLen/bs]
		meta.BlockOffsets[i] = s.ContextLen % bs
	}

	for b := len(seqs); b < batch; b++ {
		meta.BlockIndices[b] = kvcache.PadBlock
	}

	for i, o := range owners {
		meta.BlockGroups[i] = o.seq
		if o.seq < 0 {
			continue
		}

		pos := seqs[o.seq].ContextLen
		meta.BlockScales[i] = 1 / float32(kvcache.BlocksNeeded(pos+1, bs))
		for j := range bs {
			slot := o.index*bs + j
			if slot <= pos {
				meta.BlockBias.Set(0, i, j)
			}
			meta.AlibiBlocks.Set(float32(slot-pos), i, j)
		}
	}

	meta.BlockMapping = oneHot(meta.BlockGroups, batch)
	return &meta, nil
}
