package approuters

import (
	"Deskwire/internal/configuration"

	"github.com/gin-gonic/gin"
)

func ConversationRouters(router *gin.Engine, container *configuration.Container) {
	conversationRoute := router.Group("/dw/api/conversations")
	{
		conversationRoute.GET("", container.ConversationHandler.ListConversations)
		conversationRoute.POST("/:conversationId/messages", container.ConversationHandler.SendMessage)
		conversationRoute.GET("/:conversationId/messages", container.ConversationHandler.GetHistory)
		conversationRoute.PATCH("/:conversationId", container.ConversationHandler.UpdateConversation)
	}
}
