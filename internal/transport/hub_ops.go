package transport

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/stepbot/internal/protocol"
)

// UploadProgress is called after each acknowledged chunk.
type UploadProgress func(sent, total int)

// ClearSlot erases the program stored in slot.
func (s *Session) ClearSlot(ctx context.Context, slot uint8) (*protocol.ClearSlotResponse, error) {
	msg, err := s.SendRequest(ctx, protocol.ClearSlotRequest{Slot: slot}, protocol.IDClearSlotResponse)
	if err != nil {
		return nil, err
	}
	return msg.(*protocol.ClearSlotResponse), nil
}

// UploadProgramFile transfers data into slot as name. The file is announced
// with its CRC, then sent in chunks of the hub's max chunk size, each carrying
// the CRC of everything sent so far. Chunks go strictly one after another and
// the first failure aborts the upload; nothing is rolled back.
func (s *Session) UploadProgramFile(ctx context.Context, name string, slot uint8, data []byte, progress UploadProgress) error {
	start := protocol.StartFileUploadRequest{FileName: name, Slot: slot, CRC: protocol.CRC(data, 0)}
	msg, err := s.SendRequest(ctx, start, protocol.IDStartFileUploadResponse)
	if err != nil {
		return err
	}
	if !msg.(*protocol.StartFileUploadResponse).Success {
		return &RejectedError{Request: start.ID(), Detail: name}
	}

	chunkSize := s.chunkSize()
	total := (len(data) + chunkSize - 1) / chunkSize

	s.logger.WithFields(logrus.Fields{
		"file":       name,
		"slot":       slot,
		"bytes":      len(data),
		"chunk_size": chunkSize,
		"chunks":     total,
	}).Debug("Uploading program")

	var running uint32
	for i := 0; i < total; i++ {
		chunk := data[i*chunkSize : min((i+1)*chunkSize, len(data))]
		running = protocol.CRC(chunk, running)

		req := protocol.TransferChunkRequest{RunningCRC: running, Payload: chunk}
		msg, err := s.SendRequest(ctx, req, protocol.IDTransferChunkResponse)
		if err != nil {
			return fmt.Errorf("chunk %d of %d: %w", i+1, total, err)
		}
		if !msg.(*protocol.TransferChunkResponse).Success {
			return &RejectedError{Request: req.ID(), Detail: fmt.Sprintf("chunk %d of %d", i+1, total)}
		}

		if progress != nil {
			progress(i+1, total)
		}
	}

	return nil
}

// StartProgram runs the program stored in slot.
func (s *Session) StartProgram(ctx context.Context, slot uint8) (*protocol.ProgramFlowResponse, error) {
	return s.programFlow(ctx, slot, false)
}

// StopProgram stops the program running from slot.
func (s *Session) StopProgram(ctx context.Context, slot uint8) (*protocol.ProgramFlowResponse, error) {
	return s.programFlow(ctx, slot, true)
}

func (s *Session) programFlow(ctx context.Context, slot uint8, stop bool) (*protocol.ProgramFlowResponse, error) {
	msg, err := s.SendRequest(ctx, protocol.ProgramFlowRequest{Stop: stop, Slot: slot}, protocol.IDProgramFlowResponse)
	if err != nil {
		return nil, err
	}
	return msg.(*protocol.ProgramFlowResponse), nil
}

func (s *Session) chunkSize() int {
	if info := s.info.Load(); info != nil && info.MaxChunkSize > 0 {
		return int(info.MaxChunkSize)
	}
	return s.opts.FallbackChunkSize
}
