package cmd

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tether/cli/reader"
	"github.com/pithecene-io/tether/cli/render"
	"github.com/pithecene-io/tether/cli/tui"
	"github.com/pithecene-io/tether/ipc"
	"github.com/pithecene-io/tether/transcript"
	"github.com/pithecene-io/tether/types"
)

// DebugCommand returns the debug command with subcommands.
// Debug commands are read-only diagnostic tools.
func DebugCommand() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "Diagnostic tools (frames, transcripts)",
		Subcommands: []*cli.Command{
			debugFrameCommand(),
			debugTranscriptCommand(),
		},
	}
}

func debugFrameCommand() *cli.Command {
	return &cli.Command{
		Name:  "frame",
		Usage: "Encode or decode wire frames",
		Subcommands: []*cli.Command{
			{
				Name:  "encode",
				Usage: "Frame a payload and print it as hex",
				Flags: append(ReadOnlyFlags(),
					&cli.StringFlag{
						Name:  "payload",
						Usage: "Raw payload text (framed as is)",
					},
					&cli.StringFlag{
						Name:  "method",
						Usage: "Build a command payload with this method",
					},
					&cli.StringFlag{
						Name:  "params",
						Usage: "Command params as a JSON object (with --method)",
						Value: "{}",
					},
				),
				Action: debugFrameEncodeAction,
			},
			{
				Name:      "decode",
				Usage:     "Decode hex frames, verifying each checksum",
				ArgsUsage: "[hex] (reads stdin when omitted)",
				Flags: append(ReadOnlyFlags(),
					&cli.Uint64Flag{
						Name:  "max-payload",
						Usage: "Largest payload accepted, in bytes",
						Value: ipc.DefaultMaxPayloadSize,
					},
				),
				Action: debugFrameDecodeAction,
			},
		},
	}
}

// FrameEncodeResponse is the response of debug frame encode.
type FrameEncodeResponse struct {
	Length   uint32 `json:"length" yaml:"length"`
	Checksum string `json:"checksum" yaml:"checksum"`
	Hex      string `json:"hex" yaml:"hex"`
}

// FrameInfo describes one decoded frame.
type FrameInfo struct {
	Offset   int    `json:"offset" yaml:"offset"`
	Length   uint32 `json:"length" yaml:"length"`
	Checksum string `json:"checksum" yaml:"checksum"`
	Status   string `json:"status" yaml:"status"`
	Method   string `json:"method,omitempty" yaml:"method,omitempty"`
	Payload  string `json:"payload" yaml:"payload"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Frame statuses reported by debug frame decode.
const (
	frameOK        = "ok"
	frameCorrupt   = "corrupt"
	frameMalformed = "malformed"
	framePartial   = "partial"
	frameTooLarge  = "too_large"
)

func debugFrameEncodeAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if err := rejectTUI(c, "debug frame"); err != nil {
		return err
	}

	payload, err := framePayload(c.String("payload"), c.String("method"), c.String("params"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return r.Render(encodeFrame(payload))
}

func framePayload(raw, method, params string) ([]byte, error) {
	switch {
	case raw != "" && method != "":
		return nil, errors.New("--payload and --method are mutually exclusive")
	case raw != "":
		return []byte(raw), nil
	case method != "":
		var p map[string]any
		if err := json.Unmarshal([]byte(params), &p); err != nil {
			return nil, fmt.Errorf("invalid --params JSON: %w", err)
		}
		return ipc.EncodeCommand(types.NewCommand(method, p))
	default:
		return nil, errors.New("one of --payload or --method is required")
	}
}

func encodeFrame(payload []byte) FrameEncodeResponse {
	frame := ipc.EncodeFrame(payload)
	h := ipc.ParseHeader(frame)
	return FrameEncodeResponse{
		Length:   h.Length,
		Checksum: fmt.Sprintf("%08x", h.Checksum),
		Hex:      hex.EncodeToString(frame),
	}
}

func debugFrameDecodeAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if err := rejectTUI(c, "debug frame"); err != nil {
		return err
	}

	input := c.Args().First()
	if input == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		input = string(b)
	}
	data, err := parseHex(input)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	maxPayload := c.Uint64("max-payload")
	if maxPayload > ipc.DefaultMaxPayloadSize {
		maxPayload = ipc.DefaultMaxPayloadSize
	}
	return r.Render(decodeFrames(data, uint32(maxPayload)))
}

// parseHex accepts hex with arbitrary whitespace and an optional 0x prefix.
func parseHex(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return b, nil
}

// decodeFrames walks data frame by frame. A corrupt frame is reported and
// skipped; a truncated or oversized frame ends the walk.
func decodeFrames(data []byte, maxPayload uint32) []FrameInfo {
	br := bytes.NewReader(data)
	dec := ipc.NewFrameDecoder(br).WithMaxPayload(maxPayload)
	frames := []FrameInfo{}
	for br.Len() > 0 {
		info := FrameInfo{Offset: len(data) - br.Len()}
		if br.Len() >= ipc.HeaderSize {
			h := ipc.ParseHeader(data[info.Offset:])
			info.Length = h.Length
			info.Checksum = fmt.Sprintf("%08x", h.Checksum)
		}

		payload, err := dec.ReadFrame()
		if err != nil {
			info.Error = err.Error()
			var frameErr *ipc.FrameError
			if errors.As(err, &frameErr) {
				info.Payload = ipc.PayloadText([]byte(frameErr.Raw))
			}
			switch {
			case ipc.IsCorruptFrame(err):
				info.Status = frameCorrupt
				frames = append(frames, info)
				continue
			case ipc.IsFatalFrameError(err):
				info.Status = frameTooLarge
			default:
				info.Status = framePartial
			}
			return append(frames, info)
		}

		info.Payload = ipc.PayloadText(payload)
		cmd, err := ipc.DecodeCommand(payload)
		if err != nil {
			info.Status = frameMalformed
			info.Error = err.Error()
		} else {
			info.Status = frameOK
			info.Method = cmd.Method
		}
		frames = append(frames, info)
	}
	return frames
}

func debugTranscriptCommand() *cli.Command {
	return &cli.Command{
		Name:      "transcript",
		Usage:     "Show a recorded command transcript",
		ArgsUsage: "<path> (capture file, fs root or bucket/prefix)",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Transcript backend: file, fs or s3",
				Value: "file",
			},
			&cli.StringFlag{
				Name:  "dataset",
				Usage: "Lode dataset id (fs and s3 backends)",
				Value: transcript.DefaultDataset,
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Only show this session",
			},
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "Summarize instead of listing entries",
			},
			&cli.StringFlag{
				Name:  "s3-region",
				Usage: "AWS region for the s3 backend",
			},
			&cli.StringFlag{
				Name:  "s3-endpoint",
				Usage: "Custom endpoint for S3-compatible providers",
			},
			&cli.BoolFlag{
				Name:  "s3-path-style",
				Usage: "Use path-style S3 addressing",
			},
		),
		Action: debugTranscriptAction,
	}
}

func debugTranscriptAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("transcript path required", 1)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	rd, err := newTranscriptReader(c, c.String("backend"), c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	view, err := rd.Transcript(c.Context, c.String("session"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to read transcript: %v", err), 1)
	}

	viewType, data := tui.ViewTranscript, any(view)
	if c.Bool("stats") {
		viewType, data = tui.ViewTranscriptStats, reader.Summarize(view)
	}
	if c.Bool("tui") {
		return r.RenderTUI(viewType, data)
	}
	return r.Render(data)
}

func newTranscriptReader(c *cli.Context, backend, path string) (reader.Reader, error) {
	switch backend {
	case "file", "":
		return reader.NewFileReader(path), nil
	case "fs":
		ds, err := transcript.NewFSDataset(c.String("dataset"), path)
		if err != nil {
			return nil, err
		}
		return reader.NewDatasetReader(ds), nil
	case "s3":
		bucket, prefix := transcript.ParseS3Path(path)
		ds, err := transcript.NewS3Dataset(c.Context, c.String("dataset"), transcript.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       c.String("s3-region"),
			Endpoint:     c.String("s3-endpoint"),
			UsePathStyle: c.Bool("s3-path-style"),
		})
		if err != nil {
			return nil, err
		}
		return reader.NewDatasetReader(ds), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (must be file, fs or s3)", backend)
	}
}
