// Package security implements the feedback allow-list gate. Feedback may
// only ever influence AI responses, insight content, user experience, and
// gaming content; it can never touch system settings, user preferences, app
// behavior, system state, or non-gaming content.
package security

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"otakon/internal/logging"
)

// RedactionMarker replaces forbidden phrases in sanitized feedback text.
const RedactionMarker = "[REDACTED]"

const auditCapacity = 1000

// Influences feedback is allowed to have, grouped by area.
var allowedInfluences = map[string][]string{
	"ai_response": {
		"response_style", "response_length", "response_tone",
		"response_detail_level", "response_format", "response_personality",
		"response_accuracy", "response_relevance", "response_helpfulness",
		"response_clarity", "response_engagement", "response_personalization",
		"response_adaptation", "response_consistency", "response_quality",
		"response_effectiveness",
	},
	"insight_content": {
		"insight_accuracy", "insight_relevance", "insight_detail_level",
		"insight_format", "insight_timing", "insight_prioritization",
		"insight_helpfulness", "insight_clarity", "insight_engagement",
		"insight_personalization", "insight_quality", "insight_effectiveness",
	},
	"user_experience": {
		"user_satisfaction", "user_engagement", "user_learning",
		"user_progress", "user_guidance", "user_support", "user_help",
		"user_assistance", "user_guidance_quality", "user_experience_improvement",
	},
	"gaming_content": {
		"gaming_help", "gaming_guidance", "gaming_tips", "gaming_strategy",
		"gaming_advice", "gaming_support", "gaming_education", "gaming_learning",
		"gaming_progress", "gaming_improvement", "gaming_optimization",
		"gaming_enhancement",
	},
}

// Influences feedback must never have, grouped by category.
var forbiddenInfluences = map[string][]string{
	"system_settings": {
		"app_configuration", "feature_flags", "system_permissions",
		"database_schema", "api_endpoints", "security_settings",
		"system_infrastructure", "server_configuration",
		"database_configuration", "network_settings",
	},
	"user_preferences": {
		"user_preferences", "user_settings", "user_profile", "user_tier",
		"user_permissions", "user_authentication", "user_data",
		"user_account", "user_credentials", "user_identity",
	},
	"app_behavior": {
		"app_navigation", "app_ui_behavior", "app_functionality",
		"app_performance", "app_security", "app_analytics", "app_caching",
		"app_architecture", "app_infrastructure", "app_deployment",
	},
	"system_state": {
		"system_state", "system_configuration", "system_performance",
		"system_security", "system_monitoring", "system_logging",
		"system_maintenance", "system_updates", "system_backup",
		"system_recovery",
	},
	"non_gaming_content": {
		"non_gaming", "off_topic", "personal_advice", "medical_advice",
		"financial_advice", "legal_advice", "political_content",
		"religious_content", "adult_content", "inappropriate_content",
	},
}

// Evaluation order for forbidden categories, kept stable for deterministic
// forbiddenAttempts output.
var forbiddenCategoryOrder = []string{
	"system_settings", "user_preferences", "app_behavior", "system_state", "non_gaming_content",
}

var allowedAreaOrder = []string{
	"ai_response", "insight_content", "user_experience", "gaming_content",
}

// Phrases indicating a user-preference mention is actually about AI response
// style, which stays allowed.
var aiResponseStyleKeywords = []string{
	"response style", "response tone", "response length", "response format",
	"response personality", "response detail", "response clarity",
	"ai style", "ai tone", "ai personality", "ai format",
	"make responses", "change responses", "improve responses",
	"response should be", "responses should be", "ai should be",
}

var gamingKeywords = []string{
	"game", "gaming", "player", "quest", "level", "character", "item",
	"boss", "strategy", "tip", "help", "guide", "walkthrough", "build",
	"skill", "ability", "weapon", "armor", "inventory", "loot",
	"dungeon", "raid", "pvp", "pve", "mmo", "rpg", "fps",
	"adventure", "puzzle", "simulation", "sports", "action", "platformer",
}

var allowedLearningTypes = map[string]bool{
	"response_pattern":       true,
	"error_correction":       true,
	"success_pattern":        true,
	"user_preference":        true,
	"insight_accuracy":       true,
	"insight_relevance":      true,
	"user_experience":        true,
	"gaming_content":         true,
	"response_quality":       true,
	"response_effectiveness": true,
	"user_satisfaction":      true,
	"user_engagement":        true,
}

var allowedPreferenceFields = map[string]bool{
	"response_style": true, "response_length": true, "response_tone": true,
	"response_detail_level": true, "response_format": true,
	"response_personality": true, "response_helpfulness": true,
	"response_clarity": true, "response_engagement": true,
	"response_personalization": true, "response_adaptation": true,
	"response_consistency": true, "response_quality": true,
	"response_effectiveness": true, "user_satisfaction": true,
	"user_engagement": true, "user_learning": true, "user_progress": true,
	"user_guidance": true, "user_support": true, "user_help": true,
	"user_assistance": true,
}

// Bookkeeping keys always permitted in user_preference pattern data.
var bookkeepingKeys = map[string]bool{
	"feedback_type": true, "success": true, "timestamp": true,
	"feedback_category": true, "severity": true,
}

// Tables feedback-driven code may write to.
var feedbackWritableTables = map[string]bool{
	"system_log":       true,
	"progress_history": true,
	"ai_feedback":      true,
	"user_feedback":    true,
}

// Categories permitted when writing to the shared system log table.
var allowedLogCategories = map[string]bool{
	"progress_feedback": true,
	"ai_improvement":    true,
	"ai_learning":       true,
	"feedback_analysis": true,
}

// FeedbackContext carries one feedback submission through validation.
type FeedbackContext struct {
	FeedbackType   string // "message" or "insight"
	TargetID       string
	ConversationID string
	AccountID      string
	OriginalText   string
	FeedbackText   string
	Timestamp      time.Time
}

// ValidationResult is the typed outcome of ValidateFeedback. Violations are
// not errors; callers must inspect IsValid.
type ValidationResult struct {
	IsValid           bool
	AllowedInfluences []string
	ForbiddenAttempts []string
	Warnings          []string
	SanitizedText     string
}

// AuditEntry is one record in the bounded security audit log.
type AuditEntry struct {
	Timestamp time.Time
	AccountID string
	Action    string
	Result    string // "allowed" or "blocked"
	Details   string
}

// Gate validates feedback against the allow/deny phrase sets and keeps a
// bounded audit log. Construct once per process and inject into callers.
type Gate struct {
	mu    sync.Mutex
	audit []AuditEntry
}

// NewGate constructs a Gate.
func NewGate() *Gate {
	return &Gate{}
}

// ValidateFeedback checks feedback text against both phrase sets. Any
// deny-list hit sets IsValid=false and records a category:phrase tuple.
// SanitizedText has every forbidden phrase redacted; allowed AI-response
// phrasing stays untouched even where it lexically overlaps a forbidden
// category.
func (g *Gate) ValidateFeedback(fc FeedbackContext) ValidationResult {
	result := ValidationResult{
		IsValid:       true,
		SanitizedText: fc.FeedbackText,
	}
	text := strings.ToLower(fc.FeedbackText)

	for _, category := range forbiddenCategoryOrder {
		for _, phrase := range forbiddenInfluences[category] {
			if !strings.Contains(text, asPhrase(phrase)) {
				continue
			}
			if category == "user_preferences" && isAIResponseStylePreference(text, phrase) {
				continue
			}
			result.ForbiddenAttempts = append(result.ForbiddenAttempts, category+":"+phrase)
			result.Warnings = append(result.Warnings, "Attempted to influence "+category+": "+phrase)
			result.IsValid = false
		}
	}

	for _, area := range allowedAreaOrder {
		for _, phrase := range allowedInfluences[area] {
			if strings.Contains(text, asPhrase(phrase)) {
				result.AllowedInfluences = append(result.AllowedInfluences, area+":"+phrase)
			}
		}
	}

	if !hasGamingFocus(text) {
		// Advisory only, never blocks.
		result.Warnings = append(result.Warnings, "Feedback should focus on gaming help and content")
	}

	result.SanitizedText = g.sanitize(fc.FeedbackText)

	outcome := "allowed"
	if !result.IsValid {
		outcome = "blocked"
		logging.SecurityWarn("feedback blocked for %s: %v", fc.AccountID, result.ForbiddenAttempts)
	}
	details, _ := json.Marshal(result)
	g.appendAudit(AuditEntry{
		Timestamp: time.Now(),
		AccountID: fc.AccountID,
		Action:    "feedback_validation",
		Result:    outcome,
		Details:   string(details),
	})

	return result
}

// sanitize replaces every forbidden phrase with the redaction marker,
// case-insensitively, preserving AI-response-style user-preference mentions.
func (g *Gate) sanitize(text string) string {
	lower := strings.ToLower(text)
	sanitized := text
	for _, category := range forbiddenCategoryOrder {
		for _, phrase := range forbiddenInfluences[category] {
			if category == "user_preferences" && isAIResponseStylePreference(lower, phrase) {
				continue
			}
			re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(asPhrase(phrase)))
			sanitized = re.ReplaceAllString(sanitized, RedactionMarker)
		}
	}
	return sanitized
}

// ValidateLearningScope bounds what may be learned: the learning type must
// be allow-listed, and user_preference pattern data may only carry
// allow-listed preference fields plus bookkeeping keys.
func (g *Gate) ValidateLearningScope(learningType string, patternData map[string]any) bool {
	if !allowedLearningTypes[learningType] {
		g.appendAudit(AuditEntry{
			Timestamp: time.Now(),
			AccountID: "system",
			Action:    "learning_scope_validation",
			Result:    "blocked",
			Details:   "learning type not allowed: " + learningType,
		})
		logging.SecurityWarn("blocked learning type %q", learningType)
		return false
	}

	if learningType == "user_preference" {
		for key := range patternData {
			if allowedPreferenceFields[key] || bookkeepingKeys[key] {
				continue
			}
			g.appendAudit(AuditEntry{
				Timestamp: time.Now(),
				AccountID: "system",
				Action:    "preference_learning_validation",
				Result:    "blocked",
				Details:   "forbidden preference field: " + key,
			})
			logging.SecurityWarn("blocked preference field %q", key)
			return false
		}
	}

	if learningType == "gaming_content" || learningType == "user_experience" {
		gamingContext := false
		for _, v := range patternData {
			if s, ok := v.(string); ok && hasGamingFocus(strings.ToLower(s)) {
				gamingContext = true
				break
			}
		}
		if !gamingContext {
			// Advisory only
			logging.SecurityWarn("learning type %s lacks gaming context", learningType)
		}
	}

	return true
}

// ValidateDatabaseOperation permits reads on any table and writes only on
// the feedback-oriented tables. Writes to the shared system log additionally
// require an allow-listed payload category. Everything else is denied.
func (g *Gate) ValidateDatabaseOperation(operation, table string, payload map[string]any) bool {
	if operation == "select" || operation == "read" {
		return true
	}

	if feedbackWritableTables[table] {
		if table == "system_log" {
			category, _ := payload["category"].(string)
			if !allowedLogCategories[category] {
				g.appendAudit(AuditEntry{
					Timestamp: time.Now(),
					AccountID: "system",
					Action:    "database_operation_validation",
					Result:    "blocked",
					Details:   "forbidden system_log category: " + category,
				})
				logging.SecurityWarn("blocked system_log write with category %q", category)
				return false
			}
		}
		return true
	}

	g.appendAudit(AuditEntry{
		Timestamp: time.Now(),
		AccountID: "system",
		Action:    "database_operation_validation",
		Result:    "blocked",
		Details:   "write to protected table: " + table,
	})
	logging.SecurityWarn("blocked %s on table %q", operation, table)
	return false
}

// AuditLog returns a copy of the current audit entries, oldest first.
func (g *Gate) AuditLog() []AuditEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]AuditEntry, len(g.audit))
	copy(out, g.audit)
	return out
}

// Reset clears the audit log. Intended for tests.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audit = nil
}

func (g *Gate) appendAudit(e AuditEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audit = append(g.audit, e)
	if len(g.audit) > auditCapacity {
		g.audit = g.audit[len(g.audit)-auditCapacity:]
	}
}

// asPhrase turns a snake_case influence name into its spoken form.
func asPhrase(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

func isAIResponseStylePreference(lowerText, forbidden string) bool {
	if forbidden != "user_preferences" && forbidden != "user_settings" {
		return false
	}
	for _, kw := range aiResponseStyleKeywords {
		if strings.Contains(lowerText, kw) {
			return true
		}
	}
	return false
}

func hasGamingFocus(lowerText string) bool {
	for _, kw := range gamingKeywords {
		if strings.Contains(lowerText, kw) {
			return true
		}
	}
	return false
}
