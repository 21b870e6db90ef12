package api

import (
	"github.com/gin-gonic/gin"

	"github.com/openwork/owpenbot/internal/common/logger"
)

// SetupRoutes configures the control API routes.
func SetupRoutes(engine *gin.Engine, handler *Handler, log *logger.Logger) {
	engine.Use(Recovery(log))
	engine.Use(RequestLogger(log))
	engine.Use(ErrorHandler(log))
	engine.Use(CORS())

	engine.GET("/health", handler.Health)

	api := engine.Group("/api/v1")
	{
		api.GET("/status", handler.Status)

		whatsapp := api.Group("/channels/whatsapp")
		{
			whatsapp.POST("/start", handler.StartWhatsApp)
			whatsapp.POST("/stop", handler.StopWhatsApp)
			whatsapp.POST("/pair", handler.PairWhatsApp)
			whatsapp.GET("/qr", handler.QRWhatsApp)
			whatsapp.POST("/unpair", handler.UnpairWhatsApp)
		}

		api.POST("/messages/send", handler.SendMessage)
		api.GET("/conversations", handler.ListConversations)
		api.GET("/conversations/:channel/:peerId/messages", handler.ListMessages)
	}
}
