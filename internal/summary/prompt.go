package summary

import (
	"fmt"
	"strings"
)

// DefaultPrompt is the system prompt used when none is configured. It asks
// for a JSON object shaped like [Extraction].
const DefaultPrompt = `당신은 부동산 중개 업무를 돕는 AI 비서입니다. 중개사와 고객의 전화 통화 녹취록을 읽고, 중개사가 필요한 조치와 매물 정보, 다음 단계를 한눈에 파악할 수 있도록 요약하세요.

응답은 아래 구조와 정확히 같은 키와 중첩을 가진 JSON 객체 하나여야 합니다. 마크다운이나 설명 문장은 붙이지 마세요.

{
  "summary_title": "통화 내용을 요약하는 20자 이내의 문구",
  "summary_content": "중개사 관점에서 다음 다섯 가지를 정리: 1. 매물 종류와 위치 2. 고객 요구사항(가격, 조건, 일정) 3. 추가로 확인하거나 준비할 사항 4. 다음 단계(추가 연락, 서류 준비 등) 5. 특이사항",
  "extracted_property_info": {
    "property_name": "아파트명 또는 건물 이름",
    "price": "매매가 또는 월세 (만원, 정수)",
    "deposit": "전세 또는 월세 보증금 (만원, 정수)",
    "loan_info": "대출 관련 정보",
    "city": "시",
    "district": "구",
    "legal_dong": "동",
    "detail_address": "동 호수 또는 번지 (예: 1동 1305호, 123-23)",
    "transaction_type": "매매 | 전세 | 월세 | 임대 | 기타",
    "property_type": "아파트 | 오피스텔 | 재건축 | 주상복합 | 상가 | 사무실 | 기타",
    "floor": "층 (정수)",
    "area": "면적 (평, 정수)",
    "premium": "상가 권리금 (만원, 정수)",
    "owner_property_memo": "소유주 관련 메모",
    "tenant_property_memo": "세입자 관련 메모",
    "owner_info": {"owner_name": "소유주 이름", "owner_contact": "소유주 연락처"},
    "tenant_info": {"tenant_name": "세입자 이름", "tenant_contact": "세입자 연락처"},
    "memo": "매물에 관한 기타 메모",
    "moving_date": "입주 가능일 (ISO 8601, 예: 2025-01-14)"
  }
}

규칙:
- 모든 값은 한국어로 작성합니다.
- 금액은 만원 단위 정수로 적습니다 (1억원 → 10000, 1000만원 → 1000, 1억 5천 → 15000).
- 면적은 평 단위만 사용합니다.
- 같은 정보가 여러 번 나오면 가장 최근이거나 가장 구체적인 언급을 따릅니다.
- 없거나 불확실한 값은 null로 둡니다.
- 인사, 잡담, 맞장구는 요약에서 빼고 핵심만 남깁니다.`

// refinePromptTemplate instructs the model to clean up raw recognizer output
// without rewriting it. The known property names are filled in per call.
const refinePromptTemplate = `다음은 부동산 중개사와 고객의 전화 통화를 음성 인식한 녹취록입니다. 아래 지침을 엄격히 지켜 녹취록을 정리하세요.

1. 원문을 최대한 보존합니다. 표현, 단어, 어조를 그대로 두고 일부만 출력하지 말고 전체를 출력합니다. 확실한 오류가 아니면 고치지 않습니다.
2. "청담동동동"처럼 철자가 엉킨 반복이나 기계적으로 반복된 구절만 최소한으로 정리합니다. 대화 중 강조를 위한 반복은 그대로 둡니다.
3. 아래 목록과 비슷하게 들리는 단지명이 나오면 목록의 정확한 이름으로 바꿉니다. 다른 이름이 확실하면 그대로 둡니다.
%s
4. 의미 없는 외국어 조각과 특수문자만 제거합니다. 가격, 면적, 브랜드명, 주소의 영문 표기는 그대로 둡니다.
5. 가독성을 위해 최소한의 문장부호를 넣고 한 문장이 끝날 때마다 줄을 바꿉니다. 문장 구조는 바꾸지 않습니다.

정리된 녹취록만 출력하고 다른 설명은 붙이지 마세요.`

// buildRefinePrompt fills the list of known names into the refine prompt.
func buildRefinePrompt(known []string) string {
	var sb strings.Builder
	if len(known) == 0 {
		sb.WriteString("   (목록 없음)\n")
	}
	for i, k := range known {
		fmt.Fprintf(&sb, "   %d) %s\n", i+1, k)
	}
	return fmt.Sprintf(refinePromptTemplate, strings.TrimRight(sb.String(), "\n"))
}
