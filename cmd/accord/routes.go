package main

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/api"
	"github.com/accord-chat/accord-server/internal/auth"
	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/channel"
	"github.com/accord-chat/accord-server/internal/config"
	"github.com/accord-chat/accord-server/internal/gateway"
	"github.com/accord-chat/accord-server/internal/guild"
	"github.com/accord-chat/accord-server/internal/invite"
	"github.com/accord-chat/accord-server/internal/member"
	"github.com/accord-chat/accord-server/internal/message"
	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/role"
	"github.com/accord-chat/accord-server/internal/snowflake"
	"github.com/accord-chat/accord-server/internal/user"
)

// deps bundles everything the route table needs.
type deps struct {
	cfg         *config.Config
	engine      *permission.Engine
	authService *auth.Service
	messages    *message.Service
	hub         *gateway.Hub

	users      user.Repository
	guilds     guild.Repository
	channels   channel.Repository
	roles      role.Repository
	members    member.Repository
	invites    invite.Repository
	overwrites permission.OverwriteStore

	ids       *snowflake.Generator
	publisher bus.Publisher
	log       zerolog.Logger
}

func registerRoutes(app *fiber.App, d *deps) {
	authHandler := api.NewAuthHandler(d.authService, d.log)
	guildHandler := api.NewGuildHandler(d.guilds, d.ids, d.publisher, d.log)
	channelHandler := api.NewChannelHandler(d.channels, d.overwrites, d.engine, d.ids, d.publisher, d.log)
	roleHandler := api.NewRoleHandler(d.roles, d.members, d.ids, d.publisher, d.log)
	memberHandler := api.NewMemberHandler(d.members, d.guilds, d.publisher, d.log)
	inviteHandler := api.NewInviteHandler(d.invites, d.members, d.guilds, d.engine, d.publisher, d.log)
	messageHandler := api.NewMessageHandler(d.messages, d.log)
	gatewayHandler := api.NewGatewayHandler(d.hub)

	requireAuth := auth.RequireAuth(d.cfg.JWTSecret)
	requireMember := member.RequireMember(d.members)

	// Authentication. The gateway does its own auth via the IDENTIFY frame,
	// so the upgrade endpoint is open.
	authGroup := app.Group("/api/auth")
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)
	authGroup.Post("/refresh", authHandler.Refresh)
	authGroup.Post("/logout", authHandler.Logout, requireAuth)
	authGroup.Post("/logout-all", authHandler.LogoutAll, requireAuth)

	app.Get("/api/gateway", gatewayHandler.Info)
	app.Get("/api/gateway/connect", gatewayHandler.Upgrade)

	// Guilds.
	guilds := app.Group("/api/guilds", requireAuth)
	guilds.Get("/", guildHandler.ListGuilds)
	guilds.Post("/", guildHandler.CreateGuild)
	guilds.Get("/:guildID", guildHandler.GetGuild, requireMember)
	guilds.Patch("/:guildID", guildHandler.UpdateGuild,
		permission.RequireGuildPermission(d.engine, permission.ManageGuild))
	guilds.Delete("/:guildID", guildHandler.DeleteGuild)

	// Channels within a guild.
	guilds.Get("/:guildID/channels", channelHandler.ListChannels, requireMember)
	guilds.Post("/:guildID/channels", channelHandler.CreateChannel,
		permission.RequireGuildPermission(d.engine, permission.ManageChannels))

	// Members and bans.
	guilds.Get("/:guildID/members", memberHandler.ListMembers, requireMember)
	guilds.Patch("/:guildID/members/me", memberHandler.UpdateOwnNickname, requireMember)
	guilds.Delete("/:guildID/members/me", memberHandler.Leave)
	guilds.Delete("/:guildID/members/:userID", memberHandler.KickMember,
		permission.RequireGuildPermission(d.engine, permission.KickMembers))
	guilds.Get("/:guildID/bans", memberHandler.ListBans,
		permission.RequireGuildPermission(d.engine, permission.BanMembers))
	guilds.Put("/:guildID/bans/:userID", memberHandler.Ban,
		permission.RequireGuildPermission(d.engine, permission.BanMembers))
	guilds.Delete("/:guildID/bans/:userID", memberHandler.Unban,
		permission.RequireGuildPermission(d.engine, permission.BanMembers))

	// Roles.
	guilds.Get("/:guildID/roles", roleHandler.ListRoles, requireMember)
	guilds.Post("/:guildID/roles", roleHandler.CreateRole,
		permission.RequireGuildPermission(d.engine, permission.ManageRoles))
	guilds.Patch("/:guildID/roles/:roleID", roleHandler.UpdateRole,
		permission.RequireGuildPermission(d.engine, permission.ManageRoles))
	guilds.Delete("/:guildID/roles/:roleID", roleHandler.DeleteRole,
		permission.RequireGuildPermission(d.engine, permission.ManageRoles))
	guilds.Put("/:guildID/members/:userID/roles/:roleID", roleHandler.AssignRole,
		permission.RequireGuildPermission(d.engine, permission.ManageRoles))
	guilds.Delete("/:guildID/members/:userID/roles/:roleID", roleHandler.RemoveRole,
		permission.RequireGuildPermission(d.engine, permission.ManageRoles))

	// Invites. Creation is guild-scoped; redemption and revocation are keyed
	// by code alone.
	guilds.Get("/:guildID/invites", inviteHandler.ListInvites, requireMember)
	guilds.Post("/:guildID/invites", inviteHandler.CreateInvite,
		permission.RequireGuildPermission(d.engine, permission.CreateInvites))

	invites := app.Group("/api/invites", requireAuth)
	invites.Delete("/:code", inviteHandler.DeleteInvite)
	invites.Post("/:code/join", inviteHandler.Join)

	// Channels addressed directly.
	channels := app.Group("/api/channels", requireAuth)
	channels.Get("/:channelID", channelHandler.GetChannel,
		permission.RequirePermission(d.engine, permission.ViewChannel))
	channels.Patch("/:channelID", channelHandler.UpdateChannel,
		permission.RequirePermission(d.engine, permission.ManageChannels))
	channels.Delete("/:channelID", channelHandler.DeleteChannel,
		permission.RequirePermission(d.engine, permission.ManageChannels))
	channels.Put("/:channelID/overwrites/:targetID", channelHandler.SetOverwrite,
		permission.RequirePermission(d.engine, permission.ManageRoles))
	channels.Delete("/:channelID/overwrites/:targetID", channelHandler.DeleteOverwrite,
		permission.RequirePermission(d.engine, permission.ManageRoles))

	// Messages. The message service performs its own per-operation
	// permission checks, so no channel middleware here.
	channels.Post("/:channelID/messages", messageHandler.CreateMessage)
	channels.Get("/:channelID/messages", messageHandler.ListMessages)
	channels.Patch("/:channelID/messages/:messageID", messageHandler.UpdateMessage)
	channels.Delete("/:channelID/messages/:messageID", messageHandler.DeleteMessage)
}
