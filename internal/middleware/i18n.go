// internal/middleware/i18n.go
package middleware

import (
	"strings"

	"github.com/javajoker/imi-ledger/internal/i18n"

	"github.com/gin-gonic/gin"
)

func I18nMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("lang", preferredLanguage(c.GetHeader("Accept-Language")))
		c.Next()
	}
}

// preferredLanguage picks the first language of an Accept-Language header
// such as "zh-TW,zh;q=0.9,en;q=0.8" that a locale file exists for.
func preferredLanguage(header string) string {
	for _, part := range strings.Split(header, ",") {
		tag := strings.TrimSpace(strings.Split(part, ";")[0])
		switch tag {
		case "zh-TW", "zh-Hant", "zh_TW":
			tag = "zh_TW"
		case "en-US", "en-GB":
			tag = "en"
		}
		if tag != "" && i18n.IsSupported(tag) {
			return tag
		}
	}
	return "en"
}
