package app

const (
	Name           = "dropbotdx"
	ConfigFilename = "config.json"
	DBFilename     = "app.db"
	LogFilename    = "app.log"
	FirmwareDir    = "firmware"
)
