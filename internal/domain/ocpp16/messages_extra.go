package ocpp16

// SetChargingProfileRequest 下发充电配置文件请求
type SetChargingProfileRequest struct {
	ConnectorId        int             `json:"connectorId" validate:"min=0"`
	CsChargingProfiles ChargingProfile `json:"csChargingProfiles" validate:"required"`
}

// SetChargingProfileResponse 下发充电配置文件响应
type SetChargingProfileResponse struct {
	Status ChargingProfileStatus `json:"status" validate:"required"`
}

// ChargingProfileStatus SetChargingProfile响应状态
type ChargingProfileStatus string

const (
	ChargingProfileStatusAccepted     ChargingProfileStatus = "Accepted"
	ChargingProfileStatusRejected     ChargingProfileStatus = "Rejected"
	ChargingProfileStatusNotSupported ChargingProfileStatus = "NotSupported"
)

// ClearChargingProfileRequest 清除充电配置文件请求
type ClearChargingProfileRequest struct {
	Id                     *int                    `json:"id,omitempty"`
	ConnectorId            *int                    `json:"connectorId,omitempty"`
	ChargingProfilePurpose *ChargingProfilePurpose `json:"chargingProfilePurpose,omitempty"`
	StackLevel             *int                    `json:"stackLevel,omitempty"`
}

// ClearChargingProfileResponse 清除充电配置文件响应
type ClearChargingProfileResponse struct {
	Status ClearChargingProfileStatus `json:"status" validate:"required"`
}

// ClearChargingProfileStatus ClearChargingProfile响应状态
type ClearChargingProfileStatus string

const (
	ClearChargingProfileStatusAccepted ClearChargingProfileStatus = "Accepted"
	ClearChargingProfileStatusUnknown  ClearChargingProfileStatus = "Unknown"
)

// GetCompositeScheduleRequest 获取合成计划请求
type GetCompositeScheduleRequest struct {
	ConnectorId      int               `json:"connectorId" validate:"min=0"`
	Duration         int               `json:"duration" validate:"required,min=1"`
	ChargingRateUnit *ChargingRateUnit `json:"chargingRateUnit,omitempty"`
}

// GetCompositeScheduleResponse 获取合成计划响应
type GetCompositeScheduleResponse struct {
	Status           GetCompositeScheduleStatus `json:"status" validate:"required"`
	ConnectorId      *int                       `json:"connectorId,omitempty"`
	ScheduleStart    *DateTime                  `json:"scheduleStart,omitempty"`
	ChargingSchedule *ChargingSchedule          `json:"chargingSchedule,omitempty"`
}

// GetCompositeScheduleStatus GetCompositeSchedule响应状态
type GetCompositeScheduleStatus string

const (
	GetCompositeScheduleStatusAccepted GetCompositeScheduleStatus = "Accepted"
	GetCompositeScheduleStatusRejected GetCompositeScheduleStatus = "Rejected"
)

// TriggerMessageRequest 触发消息请求
type TriggerMessageRequest struct {
	RequestedMessage MessageTrigger `json:"requestedMessage" validate:"required"`
	ConnectorId      *int           `json:"connectorId,omitempty" validate:"omitempty,min=1"`
}

// TriggerMessageResponse 触发消息响应
type TriggerMessageResponse struct {
	Status TriggerMessageStatus `json:"status" validate:"required"`
}

// SendLocalListRequest 下发本地授权列表请求
type SendLocalListRequest struct {
	ListVersion            int                 `json:"listVersion"`
	LocalAuthorizationList []AuthorizationData `json:"localAuthorizationList,omitempty"`
	UpdateType             UpdateType          `json:"updateType" validate:"required"`
}

// SendLocalListResponse 下发本地授权列表响应
type SendLocalListResponse struct {
	Status UpdateStatus `json:"status" validate:"required"`
}

// GetLocalListVersionRequest 获取本地列表版本请求
type GetLocalListVersionRequest struct{}

// GetLocalListVersionResponse 获取本地列表版本响应
type GetLocalListVersionResponse struct {
	ListVersion int `json:"listVersion"`
}

// ReserveNowRequest 预约请求
type ReserveNowRequest struct {
	ConnectorId   int      `json:"connectorId" validate:"min=0"`
	ExpiryDate    DateTime `json:"expiryDate" validate:"required"`
	IdTag         string   `json:"idTag" validate:"required,max=20"`
	ParentIdTag   *string  `json:"parentIdTag,omitempty" validate:"omitempty,max=20"`
	ReservationId int      `json:"reservationId"`
}

// ReserveNowResponse 预约响应
type ReserveNowResponse struct {
	Status ReservationStatus `json:"status" validate:"required"`
}

// CancelReservationRequest 取消预约请求
type CancelReservationRequest struct {
	ReservationId int `json:"reservationId"`
}

// CancelReservationResponse 取消预约响应
type CancelReservationResponse struct {
	Status CancelReservationStatus `json:"status" validate:"required"`
}

// UpdateFirmwareRequest 固件升级请求
type UpdateFirmwareRequest struct {
	Location      string    `json:"location" validate:"required"`
	Retries       *int      `json:"retries,omitempty"`
	RetrieveDate  DateTime  `json:"retrieveDate" validate:"required"`
	RetryInterval *int      `json:"retryInterval,omitempty"`
}

// UpdateFirmwareResponse 固件升级响应
type UpdateFirmwareResponse struct{}

// FirmwareStatusNotificationRequest 固件状态通知请求
type FirmwareStatusNotificationRequest struct {
	Status FirmwareStatus `json:"status" validate:"required"`
}

// FirmwareStatusNotificationResponse 固件状态通知响应
type FirmwareStatusNotificationResponse struct{}

// GetDiagnosticsRequest 获取诊断请求
type GetDiagnosticsRequest struct {
	Location      string    `json:"location" validate:"required"`
	Retries       *int      `json:"retries,omitempty"`
	RetryInterval *int      `json:"retryInterval,omitempty"`
	StartTime     *DateTime `json:"startTime,omitempty"`
	StopTime      *DateTime `json:"stopTime,omitempty"`
}

// GetDiagnosticsResponse 获取诊断响应
type GetDiagnosticsResponse struct {
	FileName *string `json:"fileName,omitempty" validate:"omitempty,max=255"`
}

// DiagnosticsStatusNotificationRequest 诊断状态通知请求
type DiagnosticsStatusNotificationRequest struct {
	Status DiagnosticsStatus `json:"status" validate:"required"`
}

// DiagnosticsStatusNotificationResponse 诊断状态通知响应
type DiagnosticsStatusNotificationResponse struct{}

// InstallCertificateRequest 安装证书请求
type InstallCertificateRequest struct {
	CertificateType CertificateUse `json:"certificateType" validate:"required"`
	Certificate     string         `json:"certificate" validate:"required,max=5500"`
}

// InstallCertificateResponse 安装证书响应
type InstallCertificateResponse struct {
	Status CertificateStatus `json:"status" validate:"required"`
}

// DeleteCertificateRequest 删除证书请求
type DeleteCertificateRequest struct {
	CertificateHashData CertificateHashData `json:"certificateHashData" validate:"required"`
}

// DeleteCertificateResponse 删除证书响应
type DeleteCertificateResponse struct {
	Status DeleteCertificateStatus `json:"status" validate:"required"`
}

// GetInstalledCertificateIdsRequest 获取已装证书请求
type GetInstalledCertificateIdsRequest struct {
	CertificateType CertificateUse `json:"certificateType" validate:"required"`
}

// GetInstalledCertificateIdsResponse 获取已装证书响应
type GetInstalledCertificateIdsResponse struct {
	Status                   GetInstalledCertificateStatus `json:"status" validate:"required"`
	CertificateHashData      []CertificateHashData         `json:"certificateHashData,omitempty"`
}

// GetInstalledCertificateStatus GetInstalledCertificateIds响应状态
type GetInstalledCertificateStatus string

const (
	GetInstalledCertificateStatusAccepted GetInstalledCertificateStatus = "Accepted"
	GetInstalledCertificateStatusNotFound GetInstalledCertificateStatus = "NotFound"
)
