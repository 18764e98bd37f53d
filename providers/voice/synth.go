package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/finch/callflow/providers"
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// SynthConfig configures the Polly-backed synthesizer.
type SynthConfig struct {
	Region  string
	Engine  string
	Timeout time.Duration
}

// Synthesizer renders prompt text to MP3 audio through Amazon Polly.
// The live call path never touches it; providers speak through their
// own telephony TTS. It serves prompt previews.
type Synthesizer struct {
	mu     sync.Mutex
	client synthClient
	cfg    SynthConfig
}

// NewSynthesizer constructs a synthesizer with lazy AWS client setup.
func NewSynthesizer(cfg SynthConfig) *Synthesizer {
	return NewSynthesizerWithClient(cfg, nil)
}

// NewSynthesizerWithClient injects a synthesis client, for tests.
func NewSynthesizerWithClient(cfg SynthConfig, client synthClient) *Synthesizer {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Synthesizer{client: client, cfg: cfg}
}

// Synthesize renders text with the given catalog model and returns MP3
// bytes.
func (s *Synthesizer) Synthesize(ctx context.Context, text, modelID string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, providers.NewPermanentError("synthesis text is empty", nil)
	}
	client, err := s.resolveClient()
	if err != nil {
		return nil, providers.NewTransientError("aws configuration unavailable", err)
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	model := Resolve(modelID)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(model.PollyVoiceID),
	})
	if err != nil {
		return nil, normalizeSynthError(err)
	}
	if output == nil || output.AudioStream == nil {
		return nil, providers.NewTransientError("synthesis returned no audio", nil)
	}
	defer output.AudioStream.Close()

	audio, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return nil, providers.NewTransientError("read synthesis audio", err)
	}
	return audio, nil
}

func normalizeSynthError(err error) error {
	if errors.Is(err, context.Canceled) {
		return providers.NewPermanentError("synthesis cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.NewTransientError("synthesis timeout", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException":
			return providers.NewTransientError("synthesis throttled", err)
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "InvalidSampleRateException":
			return providers.NewPermanentError(fmt.Sprintf("synthesis rejected: %s", apiErr.ErrorCode()), err)
		default:
			return providers.NewTransientError(fmt.Sprintf("synthesis server error: %s", apiErr.ErrorCode()), err)
		}
	}
	return providers.NewTransientError("synthesis transport error", err)
}

func (s *Synthesizer) resolveClient() (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}
