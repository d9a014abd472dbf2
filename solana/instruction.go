package solana

import (
	"github.com/gagliardetto/solana-go"
)

// The pool program ignores instruction data: any instruction that lists the
// pool account as writable increments its counter.
type instructionRecordInvocation struct {
	pool solana.PublicKey
}

func (i instructionRecordInvocation) InstructionData() []byte {
	return []byte{}
}

func (i instructionRecordInvocation) build(program solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		program,
		[]*solana.AccountMeta{
			{
				PublicKey:  i.pool,
				IsSigner:   false,
				IsWritable: true,
			},
		},
		i.InstructionData(),
	)
}
