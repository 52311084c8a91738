package services

import (
	"context"
	"strings"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/spf13/viper"
)

var Lk *lksdk.RoomServiceClient

func SetupLiveKit() {
	host := "https://" + viper.GetString("calling.endpoint")

	Lk = lksdk.NewRoomServiceClient(
		host,
		viper.GetString("calling.api_key"),
		viper.GetString("calling.api_secret"),
	)
}

// Identity prefixes of non-human room participants (SIP bridges, server
// bots). They are excluded from human participant views and never count as
// the remote party hanging up.
var machineIdentityPrefixes = []string{"sip_", "agent_"}

func IsHumanParticipant(identity string) bool {
	for _, prefix := range machineIdentityPrefixes {
		if strings.HasPrefix(identity, prefix) {
			return false
		}
	}
	return true
}

// RoomProvider is the slice of the media room service the coordinator
// needs: provisioning and tearing down rooms by name.
type RoomProvider interface {
	Create(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// LiveKitRooms provides rooms through the LiveKit room service.
type LiveKitRooms struct{}

func (LiveKitRooms) Create(ctx context.Context, name string) error {
	_, err := Lk.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            name,
		EmptyTimeout:    viper.GetUint32("calling.empty_timeout_duration"),
		MaxParticipants: viper.GetUint32("calling.max_participants"),
	})
	return err
}

func (LiveKitRooms) Delete(ctx context.Context, name string) error {
	_, err := Lk.DeleteRoom(ctx, &livekit.DeleteRoomRequest{
		Room: name,
	})
	return err
}

func ListHumanParticipants(ctx context.Context, roomName string) ([]*livekit.ParticipantInfo, error) {
	res, err := Lk.ListParticipants(ctx, &livekit.ListParticipantsRequest{
		Room: roomName,
	})
	if err != nil {
		return nil, err
	}
	participants := make([]*livekit.ParticipantInfo, 0, len(res.Participants))
	for _, p := range res.Participants {
		if IsHumanParticipant(p.Identity) {
			participants = append(participants, p)
		}
	}
	return participants, nil
}

func KickParticipant(ctx context.Context, roomName, identity string) error {
	_, err := Lk.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     roomName,
		Identity: identity,
	})
	return err
}
