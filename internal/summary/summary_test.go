package summary_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/summary"
	"github.com/MrWong99/callscribe/pkg/job"
	"github.com/MrWong99/callscribe/pkg/provider/llm"
	"github.com/MrWong99/callscribe/pkg/provider/llm/mock"
)

const reply = "```json\n" + `{
  "summary_title": "청담 자이 전세 문의 및 입주 일정 확인 요청",
  "summary_content": " 1. 아파트, 청담동 ",
  "extracted_property_info": {
    "property_name": "청담자이",
    "price": null,
    "deposit": "150,000",
    "city": "서울시",
    "district": "강남구",
    "legal_dong": "청담동",
    "detail_address": 1305,
    "transaction_type": "전세",
    "property_type": "빌라",
    "area": 34.6,
    "owner_info": {"owner_name": "김철수", "owner_contact": "010 1234 5678"},
    "tenant_info": {"tenant_name": null, "tenant_contact": "02)123-4567"},
    "moving_date": "2025-03-01"
  }
}` + "\n```"

var known = []string{"아크로 삼성", "청담 르엘", "청담 자이"}

func newSummarizer(t *testing.T, p llm.Provider, opts ...summary.Option) *summary.Summarizer {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return summary.New(p, append([]summary.Option{summary.WithMetrics(m)}, opts...)...)
}

func TestSummarize_PostProcessesReply(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply}}
	s := newSummarizer(t, p, summary.WithKnownProperties(known))

	res, err := s.Summarize(context.Background(), "청담 자이 전세 보증금 15억 정도 생각하고 있어요")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	ext := res.Extraction
	prop := ext.Property

	if got := []rune(ext.SummaryTitle); len(got) > summary.MaxTitleRunes {
		t.Errorf("title has %d runes: %q", len(got), ext.SummaryTitle)
	}
	if ext.SummaryContent != "1. 아파트, 청담동" {
		t.Errorf("content = %q", ext.SummaryContent)
	}
	checks := []struct {
		name string
		got  string
		want string
	}{
		{"property_name", string(prop.PropertyName), "청담 자이"},
		{"full_address", string(prop.FullAddress), "서울시 강남구 청담동 1305"},
		{"detail_address", string(prop.DetailAddress), "1305"},
		{"transaction_type", string(prop.TransactionType), summary.TransactionJeonse},
		{"property_type", string(prop.PropertyType), summary.PropertyOther},
		{"owner_contact", string(prop.OwnerInfo.OwnerContact), "010-1234-5678"},
		{"tenant_contact", string(prop.TenantInfo.TenantContact), "02-123-4567"},
		{"tenant_name", string(prop.TenantInfo.TenantName), ""},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
	if prop.Price.Valid {
		t.Errorf("price = %+v, want absent", prop.Price)
	}
	if prop.Deposit != summary.Int(150000) {
		t.Errorf("deposit = %+v, want 150000", prop.Deposit)
	}
	if prop.Area != summary.Int(35) {
		t.Errorf("area = %+v, want 35", prop.Area)
	}

	if p.CallCount() != 1 {
		t.Fatalf("Complete called %d times, want 1", p.CallCount())
	}
	req := p.CompleteCalls[0].Req
	if !req.JSON {
		t.Error("extraction request did not ask for JSON")
	}
	if req.SystemPrompt != summary.DefaultPrompt {
		t.Error("default prompt not used")
	}
	if !strings.Contains(req.Messages[0].Content, "15억") {
		t.Errorf("transcript not sent: %q", req.Messages[0].Content)
	}
}

func TestSummarize_EncodesAbsentNumbersAsNull(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"summary_title":"문의","summary_content":"x","extracted_property_info":null}`}}
	s := newSummarizer(t, p)

	res, err := s.Summarize(context.Background(), "여보세요")
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(res.Extraction)
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Info map[string]any `json:"extracted_property_info"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if v, ok := out.Info["price"]; !ok || v != nil {
		t.Errorf("price = %v (present %v), want null", v, ok)
	}
	if out.Info["full_address"] != "" {
		t.Errorf("full_address = %v, want empty", out.Info["full_address"])
	}
}

func TestSummarize_Errors(t *testing.T) {
	t.Parallel()

	errDown := errors.New("503 service unavailable")
	tests := []struct {
		name       string
		transcript string
		provider   *mock.Provider
		wantCalls  int
	}{
		{"provider error", "안녕하세요", &mock.Provider{CompleteErr: errDown}, 1},
		{"nil response", "안녕하세요", &mock.Provider{}, 1},
		{"prose reply", "안녕하세요", &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "요약할 내용이 없습니다."}}, 1},
		{"broken json", "안녕하세요", &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"summary_title": `}}, 1},
		{"empty transcript", "  ", &mock.Provider{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newSummarizer(t, tt.provider)
			_, err := s.Summarize(context.Background(), tt.transcript)
			var te *job.TransformError
			if !errors.As(err, &te) || te.Stage != job.StageSummarization {
				t.Fatalf("error = %v, want TransformError for summarization", err)
			}
			if !job.IsRetryable(err) {
				t.Error("summarization failure should be retryable")
			}
			if got := tt.provider.CallCount(); got != tt.wantCalls {
				t.Errorf("Complete called %d times, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestSummarize_CustomPrompt(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"summary_title":"t","summary_content":"c"}`}}
	s := newSummarizer(t, p, summary.WithPrompt("be brief"))
	if _, err := s.Summarize(context.Background(), "text"); err != nil {
		t.Fatal(err)
	}
	if got := p.LastRequest().SystemPrompt; got != "be brief" {
		t.Errorf("SystemPrompt = %q", got)
	}
}

func TestFormatContact(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"01012345678", "010-1234-5678"},
		{"010-1234-5678", "010-1234-5678"},
		{"+82 010 1234 5678", ""},
		{"021234567", "02-123-4567"},
		{"0212345678", "02-1234-5678"},
		{"0311234567", "031-123-4567"},
		{"03112345678", "031-1234-5678"},
		{"1234", ""},
		{"", ""},
		{"없음", ""},
	}
	for _, tt := range tests {
		if got := summary.FormatContact(tt.in); got != tt.want {
			t.Errorf("FormatContact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFullAddress_SkipsEmptyParts(t *testing.T) {
	t.Parallel()

	p := summary.Property{City: "서울시", LegalDong: " 청담동 ", DetailAddress: "101동 1203호"}
	if got := summary.FullAddress(p); got != "서울시 청담동 101동 1203호" {
		t.Errorf("FullAddress = %q", got)
	}
	if got := summary.FullAddress(summary.Property{}); got != "" {
		t.Errorf("FullAddress(empty) = %q", got)
	}
}

func TestNumber_Unmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want summary.Number
	}{
		{`10000`, summary.Int(10000)},
		{`"15,000"`, summary.Int(15000)},
		{`12.5`, summary.Int(13)},
		{`null`, summary.Number{}},
		{`"미정"`, summary.Number{}},
	}
	for _, tt := range tests {
		var n summary.Number
		if err := json.Unmarshal([]byte(tt.in), &n); err != nil {
			t.Errorf("Unmarshal(%s): %v", tt.in, err)
			continue
		}
		if n != tt.want {
			t.Errorf("Unmarshal(%s) = %+v, want %+v", tt.in, n, tt.want)
		}
	}
}
