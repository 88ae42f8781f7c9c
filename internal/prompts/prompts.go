package prompts

import (
	"fmt"
	"strings"
)

// MaxTranscriptChars bounds the transcript text embedded in a prompt.
const MaxTranscriptChars = 15000

// ============================================================================
// Transcription
// ============================================================================

// Transcription asks for a timed Thai transcript of a classroom recording.
const Transcription = `ถอดเสียงพูดทั้งหมดในวิดีโอการสอนนี้เป็นข้อความภาษาไทย (คงคำภาษาอังกฤษไว้ตามที่พูด)
ตอบกลับเป็น JSON เท่านั้น (ไม่มี markdown code fence) ตามรูปแบบ:
{
  "fullText": "ข้อความที่ถอดเสียงทั้งหมด",
  "segments": [
    {"start": 0.0, "end": 4.2, "text": "ข้อความช่วงนี้"}
  ]
}
start และ end เป็นวินาทีนับจากต้นวิดีโอ หากไม่มีเสียงพูดให้ตอบ {"fullText": "", "segments": []}`

// ============================================================================
// Teaching analysis
// ============================================================================

// reportSchema is shared by every analysis prompt; the report parser keys
// off these field names.
const reportSchema = `ให้ผลลัพธ์ในรูป JSON (ไม่มี markdown code fence) ที่มี key ดังนี้:
{
  "summary": "สรุปภาพรวมการสอน (3-5 ประโยค)",
  "strengths": ["จุดแข็ง 1", "จุดแข็ง 2"],
  "improvements": ["ข้อเสนอปรับปรุง 1", "ข้อเสนอปรับปรุง 2"],
  "teachingTechniques": ["เทคนิคที่ใช้ 1", "เทคนิคที่ใช้ 2"],
  "studentEngagement": "ระดับการมีส่วนร่วมของผู้เรียน (สูง/ปานกลาง/ต่ำ) + คำอธิบาย",
  "indicators": {
    "WP_1": "ระดับ (ดีมาก/ดี/พอใช้/ต้องปรับปรุง) + เหตุผล",
    "WP_2": "...",
    "WP_3": "...",
    "ET_1": "...",
    "ET_2": "...",
    "ET_3": "...",
    "ET_4": "..."
  },
  "overallScore": 4,
  "advice": "คำแนะนำสำหรับครูในการพัฒนา (3-5 ประโยค)"
}
overallScore เป็นตัวเลข 1-5`

const analystRole = "คุณเป็นผู้เชี่ยวชาญด้านการวิเคราะห์การสอนและการนิเทศครู"

// VideoAnalysis builds the prompt for an uploaded classroom video.
func VideoAnalysis(description, transcript string) string {
	var b strings.Builder
	b.WriteString(analystRole)
	b.WriteString(" กรุณาวิเคราะห์วิดีโอการสอนที่แนบมา ทั้งภาพและเสียง\n")
	writeContext(&b, description, transcript)
	b.WriteString(reportSchema)
	return b.String()
}

// YouTubeAnalysis builds the prompt for a lesson published on YouTube. The
// provider fetches the video from the URL itself.
func YouTubeAnalysis(videoURL, description string) string {
	var b strings.Builder
	b.WriteString(analystRole)
	fmt.Fprintf(&b, " กรุณาเปิดและวิเคราะห์วิดีโอการสอนจาก YouTube: %s\n", videoURL)
	b.WriteString("วิเคราะห์จากเนื้อหาในวิดีโอจริงเท่านั้น หากเข้าถึงวิดีโอไม่ได้ให้ระบุใน summary\n")
	writeContext(&b, description, "")
	b.WriteString(reportSchema)
	return b.String()
}

// ImagesAnalysis builds the prompt for a set of classroom photos.
func ImagesAnalysis(count int, description string) string {
	var b strings.Builder
	b.WriteString(analystRole)
	fmt.Fprintf(&b, " กรุณาวิเคราะห์ภาพกิจกรรมการเรียนการสอนทั้ง %d ภาพที่แนบมา โดยพิจารณาทุกภาพร่วมกัน\n", count)
	b.WriteString("อ้างอิงถึงภาพตามลำดับ (ภาพที่ 1, ภาพที่ 2, ...) เมื่อยกตัวอย่าง\n")
	writeContext(&b, description, "")
	b.WriteString(reportSchema)
	return b.String()
}

// ImageAnalysis builds the prompt for a single uploaded photo.
func ImageAnalysis(description string) string {
	return ImagesAnalysis(1, description)
}

// TranscriptAnalysis builds the prompt for a transcript produced out of band.
func TranscriptAnalysis(transcript, description string) string {
	var b strings.Builder
	b.WriteString(analystRole)
	b.WriteString(" กรุณาวิเคราะห์ transcript การสอนต่อไปนี้\n")
	writeContext(&b, description, transcript)
	b.WriteString(reportSchema)
	return b.String()
}

func writeContext(b *strings.Builder, description, transcript string) {
	if d := strings.TrimSpace(description); d != "" {
		fmt.Fprintf(b, "\nบริบทจากครูผู้สอน:\n%s\n", d)
	}
	if t := strings.TrimSpace(transcript); t != "" {
		fmt.Fprintf(b, "\nTranscript:\n%s\n", Truncate(t, MaxTranscriptChars))
	}
	b.WriteString("\n")
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
