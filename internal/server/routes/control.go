package routes

import (
	"encoding/json"
	"errors"
	"net/url"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/sabeel/offline-cache/internal/engine"
	"github.com/sabeel/offline-cache/internal/server"
)

// RegisterControlRoutes 暴露前台使用的消息入口与内容查询接口：
//
//	POST /-/messages      cache_content / remove_content / clear_all_content / cancel_content
//	GET  /-/status        生命周期、缓存与进行中的下载
//	GET  /-/content       已下载内容与占用字节
//	GET  /-/content/:id   单个内容是否已下载
func RegisterControlRoutes(app *fiber.App, eng *engine.Engine, logger *logrus.Logger) {
	if app == nil || eng == nil {
		return
	}

	app.Post("/-/messages", func(c fiber.Ctx) error {
		var msg engine.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_json"})
		}
		if err := eng.HandleMessage(c.Context(), msg); err != nil {
			status, code := messageError(err)
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"action":     "message",
					"type":       msg.Type,
					"content_id": msg.ContentID,
					"request_id": server.RequestID(c),
				}).WithError(err).Warn("message_rejected")
			}
			return c.Status(status).JSON(fiber.Map{"error": code, "message": err.Error()})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
	})

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := eng.Status(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(status)
	})

	app.Get("/-/content", func(c fiber.Ctx) error {
		usage, err := eng.DownloadedContent(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(usage)
	})

	app.Get("/-/content/:id", func(c fiber.Ctx) error {
		id, err := url.PathUnescape(c.Params("id"))
		if err != nil || id == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_content_id"})
		}
		downloaded, err := eng.IsContentDownloaded(c.Context(), id)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"contentId": id, "downloaded": downloaded})
	})
}

func messageError(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrNotActive):
		return fiber.StatusConflict, "engine_not_active"
	case errors.Is(err, engine.ErrUnknownMessage):
		return fiber.StatusBadRequest, "unknown_message"
	case errors.Is(err, engine.ErrInvalidMessage):
		return fiber.StatusBadRequest, "invalid_message"
	default:
		return fiber.StatusInternalServerError, "message_failed"
	}
}
