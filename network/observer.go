package network

import "lanwarp/models"

// Observer is told about remote and transfer changes.
//
// Callbacks run on engine goroutines and must not block.
type Observer interface {
	RemoteChanged(info models.RemoteInfo)
	TransferChanged(remoteUUID string, transfer Transfer)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnRemoteChanged   func(info models.RemoteInfo)
	OnTransferChanged func(remoteUUID string, transfer Transfer)
}

func (o ObserverFuncs) RemoteChanged(info models.RemoteInfo) {
	if o.OnRemoteChanged != nil {
		o.OnRemoteChanged(info)
	}
}

func (o ObserverFuncs) TransferChanged(remoteUUID string, transfer Transfer) {
	if o.OnTransferChanged != nil {
		o.OnTransferChanged(remoteUUID, transfer)
	}
}
