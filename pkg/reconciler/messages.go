package reconciler

import "fmt"

// autoCloseMessage renders the system message left on an auto-closed
// ticket. Only Chinese has a dedicated translation; everything else gets
// English.
func autoCloseMessage(locale string, hours int) string {
	switch locale {
	case "zh", "zh-CN", "zh-TW":
		return fmt.Sprintf("由于超过 %d 小时无新消息，本工单已自动关闭。如仍需帮助，请创建新工单。", hours)
	default:
		return fmt.Sprintf("This ticket was closed automatically after %d hours of inactivity. Please open a new ticket if you still need help.", hours)
	}
}
